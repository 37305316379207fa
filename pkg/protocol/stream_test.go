package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeChunk(t *testing.T) {
	chunk, err := NewContentChunk(&AssistantContent{Text: "Hel"}, false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeChunk(&buf, chunk))

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Equal(t, 1, strings.Count(line, "\n"))

	// content must be a JSON string, not a nested object
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(line), &raw))
	assert.Equal(t, byte('"'), raw["content"][0])
	assert.JSONEq(t, `false`, string(raw["isDone"]))
}

func TestNewContentChunk_DoneStatus(t *testing.T) {
	chunk, err := NewContentChunk(&AssistantContent{Text: "bye"}, true)
	require.NoError(t, err)
	assert.True(t, chunk.IsDone)
	assert.Equal(t, StreamStatusDone, chunk.Status)
}

func TestChunkReader(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr []error
	}{
		{
			name:  "two chunks",
			input: `{"content":"{\"text\":\"a\"}","isDone":false}` + "\n" + `{"content":"{\"text\":\"b\"}","isDone":true}` + "\n",
			want:  []string{"a", "b"},
		},
		{
			name:  "blank lines skipped",
			input: "\n\n" + `{"content":"{\"text\":\"a\"}","isDone":false}` + "\n   \n",
			want:  []string{"a"},
		},
		{
			name:  "trailing line without newline",
			input: `{"content":"{\"text\":\"tail\"}","isDone":true}`,
			want:  []string{"tail"},
		},
		{
			name:    "invalid line then valid",
			input:   "not json\n" + `{"content":"{\"text\":\"ok\"}","isDone":true}` + "\n",
			want:    []string{"", "ok"},
			wantErr: []error{ErrInvalidChunk, nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := NewChunkReader(strings.NewReader(tt.input))
			for i, want := range tt.want {
				chunk, err := cr.Next()
				if tt.wantErr != nil && tt.wantErr[i] != nil {
					require.ErrorIs(t, err, tt.wantErr[i])
					continue
				}
				require.NoError(t, err)
				content, err := chunk.Decode()
				require.NoError(t, err)
				assert.Equal(t, want, content.Text)
			}
			_, err := cr.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestChunkReader_TooLarge(t *testing.T) {
	huge := `{"content":"` + strings.Repeat("x", MaxChunkSize) + `"}` + "\n"
	cr := NewChunkReader(strings.NewReader(huge))
	_, err := cr.Next()
	assert.True(t, errors.Is(err, ErrChunkTooLarge), "got %v", err)
}

func TestEncodeChunk_TooLarge(t *testing.T) {
	chunk := &StreamChunk{Content: strings.Repeat("x", MaxChunkSize)}
	err := EncodeChunk(io.Discard, chunk)
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestStreamChunk_DecodeInvalidContent(t *testing.T) {
	chunk := &StreamChunk{Content: "{broken"}
	_, err := chunk.Decode()
	assert.ErrorIs(t, err, ErrInvalidChunk)

	empty := &StreamChunk{IsDone: true, Status: StreamStatusCancelled}
	content, err := empty.Decode()
	require.NoError(t, err)
	assert.Empty(t, content.Text)
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestEncodeChunk_Flushes(t *testing.T) {
	var w flushRecorder
	require.NoError(t, EncodeChunk(&w, &StreamChunk{IsDone: true}))
	assert.Equal(t, 1, w.flushes)
}

func TestKeyTypeAndRoleValid(t *testing.T) {
	for _, kt := range []KeyType{KeyTypeRoom, KeyTypeAIConv, KeyTypePublic, KeyTypePrivate} {
		assert.True(t, kt.Valid(), kt)
	}
	assert.False(t, KeyType("jwk").Valid())

	for _, r := range []Role{RoleAdmin, RoleEditor, RoleViewer} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, Role("owner").Valid())
}
