package domain

import (
	"regexp"
	"strconv"
	"strings"
)

var pubkeyPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{96}$`)

// Validator is a tracked validator. The stored identity is always the index.
type Validator struct {
	Index       ValidatorIndex `json:"index"`
	Pubkey      string         `json:"pubkey,omitempty"`
	Label       string         `json:"-"`
	Color       string         `json:"-"`
	Status      string         `json:"status,omitempty"`
	LastChecked int64          `json:"lastChecked,omitempty"`
}

// ID is the canonical decimal form of the validator index.
func (v Validator) ID() string {
	return v.Index.String()
}

// InputKind is the result of classifying raw validator input.
type InputKind int

const (
	InputInvalid InputKind = iota
	InputIndex
	InputPubkey
)

// ClassifyInput checks raw input against the index and pubkey formats.
// The returned value is trimmed.
func ClassifyInput(raw string) (InputKind, string) {
	trimmed := strings.TrimSpace(raw)
	if IsValidIndex(trimmed) {
		return InputIndex, trimmed
	}
	if IsValidPubkey(trimmed) {
		return InputPubkey, strings.ToLower(trimmed)
	}
	return InputInvalid, trimmed
}

// IsValidIndex accepts canonical decimal integers only ("007" and "+7" are rejected).
func IsValidIndex(s string) bool {
	if s == "" {
		return false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return false
	}
	return strconv.FormatUint(n, 10) == s
}

// ParseValidatorIndex parses a canonical decimal validator id.
func ParseValidatorIndex(id string) (ValidatorIndex, bool) {
	if !IsValidIndex(id) {
		return 0, false
	}
	n, _ := strconv.ParseUint(id, 10, 64)
	return ValidatorIndex(n), true
}

// IsValidPubkey accepts a 0x-prefixed 48-byte hex public key.
func IsValidPubkey(s string) bool {
	return pubkeyPattern.MatchString(s)
}

// TruncateID shortens pubkey-like ids for display; indices are returned as is.
func TruncateID(id string) string {
	if strings.HasPrefix(id, "0x") && len(id) > 20 {
		return id[:10] + "..." + id[len(id)-8:]
	}
	return id
}
