package queue

import "testing"

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{ContestID: "abc123", ProblemID: "a", SubmissionID: 1},
		{ContestID: "", ProblemID: "", SubmissionID: 0},
		{ContestID: "contest-with-dashes", ProblemID: "problem_b", SubmissionID: 9223372036854775807},
	}

	for _, want := range cases {
		body, err := EncodeEnvelope(want)
		if err != nil {
			t.Fatalf("EncodeEnvelope(%+v): %v", want, err)
		}
		got, err := DecodeEnvelope(body)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

// S6: a body that cannot be decoded as the triple must surface an error
// so the Work Loop can ack and drop it without touching any row.
func TestDecodeEnvelopeMalformed(t *testing.T) {
	malformed := [][]byte{
		nil,
		{0x00},
		{0x00, 0x05, 'a', 'b'}, // declared length exceeds remaining bytes
		{0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03}, // too few trailing bytes for submission_id
	}
	for _, body := range malformed {
		if _, err := DecodeEnvelope(body); err == nil {
			t.Fatalf("DecodeEnvelope(%v): expected error, got nil", body)
		}
	}
}
