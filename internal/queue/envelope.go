package queue

import (
	"encoding/binary"
	"fmt"
)

// Envelope is the (contest_id, problem_id, submission_id) triple carried
// by judge_queue messages (spec §6). Resolves the Open Question in
// spec §9: a fixed binary tuple shared by Producer and Worker, rather
// than the reference implementation's platform-default pickled tuple —
// see SPEC_FULL.md §6 and DESIGN.md for why JSON was not used here.
type Envelope struct {
	ContestID    string
	ProblemID    string
	SubmissionID int64
}

// maxStringLen is one past the longest field a uint16 length prefix can
// describe; EncodeEnvelope rejects longer string fields.
const maxStringLen = 1 << 16

// EncodeEnvelope serializes e as: uint16 BE length + bytes (contest_id),
// uint16 BE length + bytes (problem_id), uint64 BE (submission_id).
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if len(e.ContestID) >= maxStringLen || len(e.ProblemID) >= maxStringLen {
		return nil, fmt.Errorf("queue: envelope string field too long")
	}
	buf := make([]byte, 0, 2+len(e.ContestID)+2+len(e.ProblemID)+8)
	buf = appendLengthPrefixed(buf, e.ContestID)
	buf = appendLengthPrefixed(buf, e.ProblemID)
	var subID [8]byte
	binary.BigEndian.PutUint64(subID[:], uint64(e.SubmissionID))
	buf = append(buf, subID[:]...)
	return buf, nil
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(s)))
	buf = append(buf, lenPrefix[:]...)
	return append(buf, s...)
}

// DecodeEnvelope is the inverse of EncodeEnvelope. A decode failure means
// the body could not be parsed as the triple — spec §4.2 step 1 directs
// the caller to ack and drop such messages.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	rest := body

	contestID, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return e, fmt.Errorf("queue: decode contest_id: %w", err)
	}
	problemID, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return e, fmt.Errorf("queue: decode problem_id: %w", err)
	}
	if len(rest) != 8 {
		return e, fmt.Errorf("queue: decode submission_id: expected 8 trailing bytes, got %d", len(rest))
	}

	e.ContestID = contestID
	e.ProblemID = problemID
	e.SubmissionID = int64(binary.BigEndian.Uint64(rest))
	return e, nil
}

func readLengthPrefixed(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("buffer too short for length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("buffer too short for declared field length %d", n)
	}
	return string(buf[:n]), buf[n:], nil
}
