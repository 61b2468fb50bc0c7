// Package privacy masks WhatsApp identifiers before they reach log output.
package privacy

import "strings"

// MaskChatID keeps the last four characters of the local part and the
// server suffix: "1234567890@c.us" becomes "******7890@c.us".
func MaskChatID(chatID string) string {
	if chatID == "" {
		return ""
	}
	local, server, found := strings.Cut(chatID, "@")
	if !found {
		return maskTail(chatID, 4)
	}
	return maskTail(local, 4) + "@" + server
}

// MaskPhoneNumber keeps a leading "+" and the last four digits.
func MaskPhoneNumber(phone string) string {
	if rest, ok := strings.CutPrefix(phone, "+"); ok {
		return "+" + maskTail(rest, 4)
	}
	return maskTail(phone, 4)
}

// MaskMessageID masks serialized message ids of the form
// "<fromMe>_<chatId>_<id>" piecewise; other shapes are masked as a whole.
func MaskMessageID(messageID string) string {
	parts := strings.SplitN(messageID, "_", 3)
	if len(parts) != 3 {
		return maskTail(messageID, 4)
	}
	return parts[0] + "_" + MaskChatID(parts[1]) + "_" + maskTail(parts[2], 4)
}

func maskTail(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}
