package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecNestedRecord(t *testing.T) {
	enc := NewEncoder()
	enc.String(1, "committed")
	enc.Int64(2, 1724579000123456789)
	enc.Message(3, func(e *Encoder) {
		e.Bytes(1, []byte(`{"type":"inventory"}`))
		e.String(2, "ApplyDelta")
	})
	enc.Message(3, func(e *Encoder) {
		e.Bytes(1, []byte(`{"type":"item_history"}`))
		e.String(2, "Append")
	})
	enc.Bool(5, true)

	var (
		status  string
		readTS  int64
		methods []string
		flag    bool
	)
	dec := NewDecoder(enc.Finish())
	for {
		num, ok := dec.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			v, err := dec.String()
			require.NoError(t, err)
			status = v
		case 2:
			v, err := dec.Int64()
			require.NoError(t, err)
			readTS = v
		case 3:
			err := dec.Message(func(md *Decoder) error {
				for {
					n, more := md.Next()
					if !more {
						return nil
					}
					switch n {
					case 2:
						v, err := md.String()
						if err != nil {
							return err
						}
						methods = append(methods, v)
					default:
						if err := md.Skip(); err != nil {
							return err
						}
					}
				}
			})
			require.NoError(t, err)
		case 5:
			v, err := dec.Bool()
			require.NoError(t, err)
			flag = v
		default:
			require.NoError(t, dec.Skip())
		}
	}

	assert.Equal(t, "committed", status)
	assert.Equal(t, int64(1724579000123456789), readTS)
	assert.Equal(t, []string{"ApplyDelta", "Append"}, methods)
	assert.True(t, flag)
}

// Old readers must survive payloads written by newer code: unknown field
// numbers are skipped, known ones still decode.
func TestCodecSkipsUnknownFields(t *testing.T) {
	enc := NewEncoder()
	enc.String(1, "keep")
	enc.Int64(9, 42) // future field
	enc.Message(8, func(e *Encoder) { e.String(1, "future nested") })
	enc.String(2, "also keep")

	var got []string
	dec := NewDecoder(enc.Finish())
	for {
		num, ok := dec.Next()
		if !ok {
			break
		}
		switch num {
		case 1, 2:
			v, err := dec.String()
			require.NoError(t, err)
			got = append(got, v)
		default:
			require.NoError(t, dec.Skip())
		}
	}
	assert.Equal(t, []string{"keep", "also keep"}, got)
}

func TestCodecZeroValuesOmitted(t *testing.T) {
	enc := NewEncoder()
	enc.String(1, "")
	enc.Int64(2, 0)
	enc.Bool(3, false)
	enc.Bytes(4, nil)
	assert.Empty(t, enc.Finish())
}
