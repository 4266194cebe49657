package platform

import (
	"errors"
	"net"
	"testing"
)

func TestStreamAdapter_ReadWrite(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ad := NewStreamAdapter(a)
	defer ad.Close()

	go b.Write([]byte{0x45, 1, 2, 3})
	buf := make([]byte, 64)
	n, err := ad.ReadPacket(buf)
	if err != nil || n != 4 {
		t.Fatalf("ReadPacket = %d, %v", n, err)
	}

	done := make(chan []byte, 1)
	go func() {
		rb := make([]byte, 64)
		n, _ := b.Read(rb)
		done <- rb[:n]
	}()
	if err := ad.WritePacket([]byte{0x45, 9}); err != nil {
		t.Fatal(err)
	}
	if got := <-done; len(got) != 2 || got[1] != 9 {
		t.Errorf("peer read %v", got)
	}
}

func TestStreamAdapter_CloseUnblocksRead(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ad := NewStreamAdapter(a)

	errc := make(chan error, 1)
	go func() {
		_, err := ad.ReadPacket(make([]byte, 64))
		errc <- err
	}()
	if err := ad.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("blocked read = %v, want ErrAdapterClosed", err)
	}
	if err := ad.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := ad.WritePacket([]byte{0x45}); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("WritePacket after Close = %v", err)
	}
}

func TestStaticProvider(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ad := NewStreamAdapter(a)
	p := NewStaticProvider(ad)

	got, err := p.Establish(AdapterRequest{})
	if err != nil || got != Adapter(ad) {
		t.Fatalf("Establish = %v, %v", got, err)
	}
	if _, err := p.Establish(AdapterRequest{}); err == nil {
		t.Error("second Establish succeeded")
	}
	if err := p.Release(got); err != nil {
		t.Fatal(err)
	}
	if _, err := ad.ReadPacket(make([]byte, 8)); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("adapter still open after Release: %v", err)
	}
}
