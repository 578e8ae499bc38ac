// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	database, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return database
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := openTestDatabase(t)
	m := database.Map("test", CompressionNone)

	if err := m.Put(ctx, []byte("key"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, found, err := m.Get(ctx, []byte("key"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get: key not found")
	}
	if string(value) != "value" {
		t.Errorf("Get = %q, want %q", value, "value")
	}
}

func TestGetAbsent(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	_, found, err := m.Get(ctx, []byte("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("Get reported a missing key as found")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := openTestDatabase(t)

	// Compressible input so the codec path is actually exercised.
	compressible := []byte(strings.Repeat(`{"type":"m.room.message","body":"hello"}`, 50))
	incompressible := []byte{0x01, 0x02, 0x03}

	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		m := database.Map("compressed_"+codec.String(), codec)
		for name, value := range map[string][]byte{
			"compressible":   compressible,
			"incompressible": incompressible,
			"empty":          {},
		} {
			if err := m.Put(ctx, []byte(name), value); err != nil {
				t.Fatalf("%s Put %s: %v", codec, name, err)
			}
			got, found, err := m.Get(ctx, []byte(name))
			if err != nil || !found {
				t.Fatalf("%s Get %s: found=%v err=%v", codec, name, found, err)
			}
			if !bytes.Equal(got, value) {
				t.Errorf("%s round trip %s: got %d bytes, want %d", codec, name, len(got), len(value))
			}
		}
	}
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	stored, inserted, err := m.PutIfAbsent(ctx, []byte("key"), []byte("first"))
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if !inserted || string(stored) != "first" {
		t.Errorf("first PutIfAbsent = %q, inserted=%v", stored, inserted)
	}

	stored, inserted, err = m.PutIfAbsent(ctx, []byte("key"), []byte("second"))
	if err != nil {
		t.Fatalf("second PutIfAbsent: %v", err)
	}
	if inserted {
		t.Error("second PutIfAbsent reported an insert")
	}
	if string(stored) != "first" {
		t.Errorf("second PutIfAbsent returned %q, want the existing value", stored)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	if err := m.Put(ctx, []byte("key"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Delete(ctx, []byte("key")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := m.Get(ctx, []byte("key")); found {
		t.Error("key still present after Delete")
	}

	// Absent key is a no-op.
	if err := m.Delete(ctx, []byte("missing")); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("global", CompressionNone)

	for want := uint64(1); want <= 3; want++ {
		got, err := m.Increment(ctx, []byte("counter"))
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got != want {
			t.Errorf("Increment = %d, want %d", got, want)
		}
	}

	value, err := m.Counter(ctx, []byte("counter"))
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if value != 3 {
		t.Errorf("Counter = %d, want 3", value)
	}

	if err := m.ResetCounter(ctx, []byte("counter")); err != nil {
		t.Fatalf("ResetCounter: %v", err)
	}
	if value, _ := m.Counter(ctx, []byte("counter")); value != 0 {
		t.Errorf("Counter after reset = %d, want 0", value)
	}
}

func TestCounterAbsent(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("global", CompressionNone)
	if value, err := m.Counter(ctx, []byte("missing")); err != nil || value != 0 {
		t.Errorf("Counter absent = %d, %v; want 0, nil", value, err)
	}
}

func TestMapIsolation(t *testing.T) {
	ctx := context.Background()
	database := openTestDatabase(t)
	first := database.Map("first", CompressionNone)
	second := database.Map("second", CompressionNone)

	if err := first.Put(ctx, []byte("key"), []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, found, _ := second.Get(ctx, []byte("key")); found {
		t.Error("key written to one map is visible in another")
	}
}

func TestScanOrdering(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	for _, key := range []string{"b", "a", "d", "c"} {
		if err := m.Put(ctx, []byte(key), []byte("v"+key)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var ascending []string
	err := m.Scan(ctx, ScanOptions{}, func(key, value []byte) (bool, error) {
		ascending = append(ascending, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got, want := strings.Join(ascending, ""), "abcd"; got != want {
		t.Errorf("ascending scan = %q, want %q", got, want)
	}

	var descending []string
	err = m.Scan(ctx, ScanOptions{Descending: true}, func(key, value []byte) (bool, error) {
		descending = append(descending, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan descending: %v", err)
	}
	if got, want := strings.Join(descending, ""), "dcba"; got != want {
		t.Errorf("descending scan = %q, want %q", got, want)
	}
}

func TestScanFromIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	for _, key := range []string{"a", "b", "c", "d"} {
		if err := m.Put(ctx, []byte(key), nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var after []string
	err := m.Scan(ctx, ScanOptions{From: []byte("b")}, func(key, value []byte) (bool, error) {
		after = append(after, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got, want := strings.Join(after, ""), "cd"; got != want {
		t.Errorf("ascending from b = %q, want %q", got, want)
	}

	var before []string
	err = m.Scan(ctx, ScanOptions{From: []byte("c"), Descending: true}, func(key, value []byte) (bool, error) {
		before = append(before, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan descending: %v", err)
	}
	if got, want := strings.Join(before, ""), "ba"; got != want {
		t.Errorf("descending from c = %q, want %q", got, want)
	}
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	for _, key := range []string{"room1/a", "room1/b", "room2/a"} {
		if err := m.Put(ctx, []byte(key), nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var keys []string
	err := m.Scan(ctx, ScanOptions{Prefix: []byte("room1/")}, func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 || keys[0] != "room1/a" || keys[1] != "room1/b" {
		t.Errorf("prefix scan = %v", keys)
	}
}

func TestScanStopEarly(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	for _, key := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, []byte(key), nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var visited int
	err := m.Scan(ctx, ScanOptions{}, func(key, value []byte) (bool, error) {
		visited++
		return false, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if visited != 1 {
		t.Errorf("visited %d keys after stop, want 1", visited)
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	m := openTestDatabase(t).Map("test", CompressionNone)

	for _, key := range []string{"room1/a", "room1/b", "room2/a"} {
		if err := m.Put(ctx, []byte(key), nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := m.DeletePrefix(ctx, []byte("room1/")); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, found, _ := m.Get(ctx, []byte("room1/a")); found {
		t.Error("room1/a survived DeletePrefix")
	}
	if _, found, _ := m.Get(ctx, []byte("room2/a")); !found {
		t.Error("room2/a was deleted by an unrelated DeletePrefix")
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte{0x01, 0x02}, []byte{0x01, 0x03}},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}
	for _, c := range cases {
		if got := prefixEnd(c.in); !bytes.Equal(got, c.want) {
			t.Errorf("prefixEnd(%x) = %x, want %x", c.in, got, c.want)
		}
	}
}
