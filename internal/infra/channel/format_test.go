package channel

import (
	"bytes"
	"go/format"
	"os"
	"testing"
)

func TestSourceFormatted(t *testing.T) {
	for _, file := range []string{"channel.go"} {
		src, err := os.ReadFile(file)
		if err != nil {
			t.Fatal(err)
		}
		got, err := format.Source(src)
		if err != nil {
			t.Fatalf("format %s: %v", file, err)
		}
		if !bytes.Equal(got, src) {
			t.Errorf("%s is not gofmt-formatted", file)
		}
	}
}
