package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskChatID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"1234567890@c.us", "******7890@c.us"},
		{"120363021234567890@g.us", "**************7890@g.us"},
		{"123@c.us", "***@c.us"},
		{"status@broadcast", "**atus@broadcast"},
		{"abcdefgh", "****efgh"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskChatID(tt.in), tt.in)
	}
}

func TestMaskPhoneNumber(t *testing.T) {
	assert.Equal(t, "+******7890", MaskPhoneNumber("+1234567890"))
	assert.Equal(t, "******7890", MaskPhoneNumber("1234567890"))
	assert.Equal(t, "+***", MaskPhoneNumber("+123"))
	assert.Equal(t, "", MaskPhoneNumber(""))
}

func TestMaskMessageID(t *testing.T) {
	assert.Equal(t, "true_******7890@c.us_************GH78", MaskMessageID("true_1234567890@c.us_A1B2C3D4E5F6GH78"))
	assert.Equal(t, "****5678", MaskMessageID("ABCD5678"))
}
