package redisx

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
	}{
		{"localhost:6379", 1, "", 0},
		{"redis://:pass@localhost:6379/1", 1, "", 1},
		{"redis://host1:6379,host2:6379/0", 2, "", 0},
		{"redis://localhost:6379?db=3", 1, "", 3},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2},
	}
	for _, tt := range tests {
		opts, err := ParseURL(tt.url)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
	}
}

func TestParseURLRejectsUnknownScheme(t *testing.T) {
	if _, err := ParseURL("http://localhost:6379"); err == nil {
		t.Fatalf("expected error for http scheme")
	}
}

func TestDial(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	c, err := Dial(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestDialFailsFast(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatalf("expected connection error")
	}
}
