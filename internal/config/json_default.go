//go:build !sonic

package config

import (
	"github.com/goccy/go-json"
)

var jsonMarshalIndent = json.MarshalIndent
