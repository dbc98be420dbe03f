package conflict

import (
	"bytes"
	"encoding/json"
)

// DetectConflict compares two copies of a resource. It returns nil when the versions
// match or when the payloads serialize identically; otherwise the conflict is
// classified by which side is absent.
func DetectConflict(resourceType, id string, local, remote json.RawMessage, localVersion, remoteVersion string) *Info {
	if localVersion == remoteVersion {
		return nil
	}
	localAbsent, remoteAbsent := absent(local), absent(remote)
	if localAbsent && remoteAbsent {
		return nil
	}
	if !localAbsent && !remoteAbsent && bytes.Equal(canonical(local), canonical(remote)) {
		return nil
	}

	info := &Info{
		ResourceType:  resourceType,
		ResourceID:    id,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		Type:          TypeUpdate,
	}
	if !localAbsent {
		info.LocalData = local
	}
	if !remoteAbsent {
		info.RemoteData = remote
	}
	switch {
	case localAbsent:
		info.Type = TypeDelete
	case remoteAbsent:
		info.Type = TypeCreate
	}
	return info
}

func absent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// canonical strips insignificant whitespace so that pretty-printed and
// compact copies of the same document compare equal.
func canonical(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// Similarity is the Jaccard index of the character sets of two serialized
// payloads. Two empty payloads are identical.
func Similarity(a, b []byte) float64 {
	setA := charSet(a)
	setB := charSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func charSet(b []byte) map[rune]struct{} {
	set := make(map[rune]struct{})
	for _, r := range string(b) {
		set[r] = struct{}{}
	}
	return set
}
