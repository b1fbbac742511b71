package telnet

import (
	"bytes"
	"testing"
)

func TestStrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     []byte
		want   []byte
		wantGA bool
	}{
		{
			name: "plain text passes through",
			in:   []byte("hello world\r\n"),
			want: []byte("hello world\r\n"),
		},
		{
			name: "negotiation removed",
			in:   []byte{'a', IAC, WILL, 1, 'b', IAC, DONT, 3, 'c'},
			want: []byte("abc"),
		},
		{
			name:   "go ahead detected and removed",
			in:     append([]byte("Password: "), IAC, GA),
			want:   []byte("Password: "),
			wantGA: true,
		},
		{
			name: "escaped iac kept as literal byte",
			in:   []byte{'x', IAC, IAC, 'y'},
			want: []byte{'x', 255, 'y'},
		},
		{
			name: "subnegotiation block dropped",
			in:   []byte{'a', IAC, SB, 24, 1, 2, 3, IAC, SE, 'b'},
			want: []byte("ab"),
		},
		{
			name: "subnegotiation with escaped iac inside",
			in:   []byte{IAC, SB, 24, IAC, IAC, 5, IAC, SE, 'z'},
			want: []byte("z"),
		},
		{
			name: "truncated command at end dropped",
			in:   []byte{'a', 'b', IAC},
			want: []byte("ab"),
		},
		{
			name: "truncated negotiation at end dropped",
			in:   []byte{'a', IAC, WILL},
			want: []byte("a"),
		},
		{
			name: "unknown two byte command dropped",
			in:   []byte{'a', IAC, 241, 'b'},
			want: []byte("ab"),
		},
		{
			name: "empty input",
			in:   []byte{},
			want: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ga := Strip(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Strip() = %q, want %q", got, tt.want)
			}
			if ga != tt.wantGA {
				t.Errorf("Strip() ga = %v, want %v", ga, tt.wantGA)
			}
		})
	}
}
