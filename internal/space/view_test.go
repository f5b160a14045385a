package space

import (
	"bytes"
	"errors"
	"testing"
)

func patternImage(name string, addr uint64, n int, perm Perm) *fakeImage {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	img := simpleImage(name, addr, addr+uint64(n)-1)
	img.segs = []Segment{{Addr: addr, Data: data, Perm: perm}}
	return img
}

func TestMemViewByteAndSlice(t *testing.T) {
	img := patternImage("prog", 0x1000, 0x100, PermRead|PermExec)
	v := NewMemView()
	v.Pull(img)

	b, err := v.Byte(0x1000)
	if err != nil || b != 0 {
		t.Errorf("Byte(0x1000) = %#x, %v; want 0", b, err)
	}
	b, err = v.Byte(0x10ff)
	if err != nil || b != byte(0xff%251) {
		t.Errorf("Byte(0x10ff) = %#x, %v; want %#x", b, err, byte(0xff%251))
	}

	if _, err := v.Byte(0x0fff); !errors.Is(err, ErrUnmapped) {
		t.Errorf("Byte below range = %v, want ErrUnmapped", err)
	}
	if _, err := v.Byte(0x1100); !errors.Is(err, ErrUnmapped) {
		t.Errorf("Byte past range = %v, want ErrUnmapped", err)
	}

	// Slice truncates at the first unmapped address.
	got := v.Slice(0x10f8, 16)
	if len(got) != 8 {
		t.Fatalf("Slice near the edge returned %d bytes, want 8", len(got))
	}
	want := []byte{0xf8 % 251, 0xf9 % 251, 0xfa % 251, 0xfb % 251, 0xfc % 251, 0xfd % 251, 0xfe % 251, 0xff % 251}
	if !bytes.Equal(got, want) {
		t.Errorf("Slice = % x, want % x", got, want)
	}
	if got := v.Slice(0x9000, 8); len(got) != 0 {
		t.Errorf("Slice of unmapped range returned %d bytes", len(got))
	}
}

func TestMemViewWriteAcrossChunks(t *testing.T) {
	v := NewMemView()
	addr := Granularity - 4
	v.Write(addr, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	got := v.Slice(addr, 8)
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Slice across chunk boundary = % x", got)
	}
	if len(v.pages) != 2 {
		t.Errorf("write allocated %d chunks, want 2", len(v.pages))
	}
}

func TestMemViewSpanMerge(t *testing.T) {
	v := NewMemView()
	v.Write(0x1000, make([]byte, 0x100))
	v.Write(0x1100, make([]byte, 0x100))
	v.Write(0x3000, make([]byte, 0x100))

	if len(v.spans) != 2 {
		t.Fatalf("spans = %v, want two merged ranges", v.spans)
	}
	if v.spans[0] != (span{Start: 0x1000, End: 0x1200}) {
		t.Errorf("merged span = %+v, want [0x1000,0x1200)", v.spans[0])
	}
	if !v.mapped(0x11ff) || v.mapped(0x1200) {
		t.Error("mapped() disagrees with merged span edges")
	}
}

func TestPermViewPull(t *testing.T) {
	text := patternImage("prog", 0x2000, 0x1000, PermRead|PermExec)
	data := patternImage("data", 0x3000, 0x1000, PermRead|PermWrite)
	v := NewPermView()
	v.Pull(text, data)

	if !v.Executable(0x2000) || !v.Executable(0x2fff) {
		t.Error("text page not executable")
	}
	if v.Executable(0x3000) {
		t.Error("data page marked executable")
	}
	p, ok := v.Perm(0x3000)
	if !ok || p != PermRead|PermWrite {
		t.Errorf("Perm(0x3000) = %v, %v; want rw-", p, ok)
	}
	if _, ok := v.Perm(0x4000); ok {
		t.Error("absent page reported present")
	}
}

func TestPermViewSet(t *testing.T) {
	v := NewPermView()
	v.Set(0x2000, PermRead|PermExec)
	v.Set(0x3000, PermRead)

	if !v.Executable(0x2010) {
		t.Error("0x2000 page should be executable")
	}
	if v.Executable(0x3010) {
		t.Error("0x3000 page should not be executable")
	}
	if v.Executable(0x4000) {
		t.Error("absent 0x4000 page should not be executable")
	}
}

func TestPermString(t *testing.T) {
	tests := []struct {
		p    Perm
		want string
	}{
		{0, "---"},
		{PermRead, "r--"},
		{PermRead | PermWrite, "rw-"},
		{PermRead | PermExec, "r-x"},
		{PermRead | PermWrite | PermExec, "rwx"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Perm(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}
