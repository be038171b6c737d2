//go:build sonic

package config

import (
	"github.com/bytedance/sonic"
)

var jsonMarshalIndent = sonic.ConfigStd.MarshalIndent
