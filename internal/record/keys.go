package record

import "strings"

// Store key layout shared by the in-memory graph and the durable store.
const (
	keyPrefix      = "UiApi::RecordRepresentation:"
	fieldSeparator = "__fields__"
)

// Key returns the store key for a record id.
func Key(id string) string {
	return keyPrefix + id
}

// FieldKey returns the store key of a field node belonging to recordKey.
func FieldKey(recordKey, field string) string {
	return recordKey + fieldSeparator + field
}

// IsRecordKey reports whether key addresses a record node (not a field node).
func IsRecordKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix) && !strings.Contains(key, fieldSeparator)
}

// IDFromKey extracts the record id from a record key.
func IDFromKey(key string) (string, bool) {
	if !IsRecordKey(key) {
		return "", false
	}
	return strings.TrimPrefix(key, keyPrefix), true
}

// SplitFieldKey splits a field key into its record key and field name.
func SplitFieldKey(key string) (recordKey, field string, ok bool) {
	i := strings.LastIndex(key, fieldSeparator)
	if i < 0 || !strings.HasPrefix(key, keyPrefix) {
		return "", "", false
	}
	return key[:i], key[i+len(fieldSeparator):], true
}
