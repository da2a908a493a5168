package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// RedactEmail keeps enough of an address to correlate log lines without
// recording it: first rune of the local part plus a short digest.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "hash:" + hex.EncodeToString(sum[:4])
	}
	return email[:1] + "***@" + email[at+1:] + "#" + hex.EncodeToString(sum[:4])
}
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:] + "[REDACTED]"
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
