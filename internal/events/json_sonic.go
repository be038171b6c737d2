//go:build sonic

package events

import (
	"github.com/bytedance/sonic"
)

var jsonMarshal = sonic.Marshal
var jsonUnmarshal = sonic.Unmarshal
