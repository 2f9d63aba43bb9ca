package sipmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Method
	}{
		{"invite", "INVITE", MethodInvite},
		{"нижний регистр", "bye", MethodBye},
		{"пробелы", " notify ", MethodNotify},
		{"publish", "PUBLISH", MethodPublish},
		{"неизвестный", "FOO", MethodUnknown},
		{"пустой", "", MethodUnknown},
		{"имя unknown не является методом", "UNKNOWN", MethodUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMethod(tt.in))
		})
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, Class1xx, ClassOf(100))
	assert.Equal(t, Class1xx, ClassOf(183))
	assert.Equal(t, Class2xx, ClassOf(202))
	assert.Equal(t, Class3xx, ClassOf(302))
	assert.Equal(t, Class4xx, ClassOf(487))
	assert.Equal(t, Class5xx, ClassOf(503))
	assert.Equal(t, Class6xx, ClassOf(603))
	assert.Equal(t, ClassNone, ClassOf(99))
	assert.Equal(t, ClassNone, ClassOf(700))
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "SUBSCRIBE", MethodSubscribe.String())
	assert.Equal(t, "UNKNOWN", Method(100).String())
	assert.Contains(t, AllowHeader(), "REFER")
	assert.NotContains(t, AllowHeader(), "PUBLISH")
}
