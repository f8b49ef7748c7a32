package intercept

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRecords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []StreamRecord
	}{
		{
			name: "single data line",
			text: "data: hello\n",
			want: []StreamRecord{{Kind: KindData, Payload: "hello"}},
		},
		{
			name: "data and event in one frame",
			text: "data: chunk one\n\ndata: chunk two\n\nevent: finish\n\n",
			want: []StreamRecord{
				{Kind: KindData, Payload: "chunk one"},
				{Kind: KindData, Payload: "chunk two"},
				{Kind: KindEvent, Payload: "finish"},
			},
		},
		{
			name: "no space after marker",
			text: "data:tight\nevent:done\n",
			want: []StreamRecord{
				{Kind: KindData, Payload: "tight"},
				{Kind: KindEvent, Payload: "done"},
			},
		},
		{
			name: "only first space is marker syntax",
			text: "data:  padded\n",
			want: []StreamRecord{{Kind: KindData, Payload: " padded"}},
		},
		{
			name: "crlf line endings",
			text: "data: one\r\n\r\nevent: finish\r\n",
			want: []StreamRecord{
				{Kind: KindData, Payload: "one"},
				{Kind: KindEvent, Payload: "finish"},
			},
		},
		{
			name: "unknown and malformed lines dropped",
			text: "id: 42\nretry: 3000\ngarbage without colon\ndata: kept\n: comment\n",
			want: []StreamRecord{{Kind: KindData, Payload: "kept"}},
		},
		{
			name: "blank lines are separators",
			text: "\n\n\ndata: a\n\n\n",
			want: []StreamRecord{{Kind: KindData, Payload: "a"}},
		},
		{
			name: "empty data payload",
			text: "data:\ndata: \n",
			want: []StreamRecord{
				{Kind: KindData, Payload: ""},
				{Kind: KindData, Payload: ""},
			},
		},
		{
			name: "json payload survives verbatim",
			text: `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n",
			want: []StreamRecord{{Kind: KindData, Payload: `{"choices":[{"delta":{"content":"hi"}}]}`}},
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
		{
			name: "whitespace only",
			text: "   \n\t\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRecords(tt.text)
			require.Len(t, got, len(tt.want))
			for i, want := range tt.want {
				require.Equal(t, want.Kind, got[i].Kind, "record %d kind", i)
				require.Equal(t, want.Payload, got[i].Payload, "record %d payload", i)
				require.False(t, got[i].EmittedAt.IsZero(), "record %d timestamp", i)
			}
		})
	}
}

// Records must come out in line order; frame text is never reordered.
func TestParseRecords_PreservesOrder(t *testing.T) {
	text := "data: 0\ndata: 1\nevent: mid\ndata: 2\n"
	got := ParseRecords(text)
	require.Len(t, got, 4)
	require.Equal(t, "0", got[0].Payload)
	require.Equal(t, "1", got[1].Payload)
	require.Equal(t, KindEvent, got[2].Kind)
	require.Equal(t, "2", got[3].Payload)
}
