package driver

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// decodeTestReplyFixture builds a MessagePack map body from a small Go
// map, for tests that exercise decodeMap/decodeTestReply/
// decodeCompilationReply without spinning up a container.
func decodeTestReplyFixture(fields map[string]any) ([]byte, error) {
	b := msgp.AppendMapHeader(nil, uint32(len(fields)))
	for k, v := range fields {
		b = msgp.AppendString(b, k)
		switch val := v.(type) {
		case string:
			b = msgp.AppendString(b, val)
		case []byte:
			b = msgp.AppendBytes(b, val)
		case float64:
			b = msgp.AppendFloat64(b, val)
		case int64:
			b = msgp.AppendInt64(b, val)
		default:
			return nil, fmt.Errorf("unsupported fixture value type %T", v)
		}
	}
	return b, nil
}
