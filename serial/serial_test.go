package serial_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/uvmm/serial"
)

func TestWriteForwardsWhenVerbose(t *testing.T) {
	t.Parallel()

	c := serial.New(true)

	var buf bytes.Buffer
	c.SetOutput(&buf)

	n, err := c.Write([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Errorf("Write: n = %d, want 2", n)
	}

	if got := buf.String(); got != "hi" {
		t.Errorf("Write: output = %q, want %q", got, "hi")
	}
}

func TestWriteDiscardedWhenNotVerbose(t *testing.T) {
	t.Parallel()

	c := serial.New(false)

	var buf bytes.Buffer
	c.SetOutput(&buf)

	n, err := c.Write([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Errorf("Write: n = %d, want 2 (byte count still reported)", n)
	}

	if got := buf.String(); got != "" {
		t.Errorf("Write: output = %q, want empty when not verbose", got)
	}
}

func TestDefaultOutputIsStderr(t *testing.T) {
	t.Parallel()

	c := serial.New(true)
	if _, err := c.Write(nil); err != nil {
		t.Fatal(err)
	}
}
