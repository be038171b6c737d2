//go:build !sonic

package events

import (
	"github.com/goccy/go-json"
)

var jsonMarshal = json.Marshal
var jsonUnmarshal = json.Unmarshal
