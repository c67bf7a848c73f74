package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTail(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		maxChars int
		want     string
	}{
		{name: "unbounded", text: "hello world", maxChars: 0, want: "hello world"},
		{name: "fits", text: "hello world", maxChars: 20, want: "hello world"},
		{name: "cut on word boundary", text: "alpha beta gamma", maxChars: 9, want: "gamma"},
		{name: "cut exactly at space", text: "alpha beta gamma", maxChars: 11, want: "beta gamma"},
		{name: "single long word", text: "supercalifragilistic", maxChars: 5, want: "istic"},
		{name: "multibyte runes", text: "über straße café", maxChars: 6, want: "café"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Tail(tc.text, tc.maxChars))
		})
	}
}
