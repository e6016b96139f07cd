package env

import (
	"strings"
	"testing"
)

func FuzzDecodeBoot(f *testing.F) {
	f.Add(`{"role":"worker","age":3,"listeners":["127.0.0.1:8000"]}`)
	f.Add(`{"role":"dirty-worker","apps":["echo"],"socket":"/tmp/d.sock"}`)
	f.Add(`{"config":{"workers":"x"}}`)
	f.Add(`[]`)

	f.Fuzz(func(t *testing.T, s string) {
		b, err := Decode(s)
		if err != nil {
			return
		}
		kv, err := b.Encode()
		if err != nil {
			t.Fatalf("decoded boot does not encode: %v", err)
		}
		again, err := Decode(strings.TrimPrefix(kv, BootVar+"="))
		if err != nil {
			t.Fatalf("encoded boot does not decode: %v", err)
		}
		if again.Role != b.Role || again.Age != b.Age || again.Socket != b.Socket || len(again.Listeners) != len(b.Listeners) {
			t.Fatalf("boot changed across encode: %+v != %+v", again, b)
		}
	})
}

func FuzzMergeWellFormed(f *testing.F) {
	f.Add("A=1", "B=${A}")
	f.Add("=x", "noequals")
	f.Add("P=${P}", "P=${Q}")

	f.Fuzz(func(t *testing.T, set, child string) {
		e := &Env{env: Var{}}
		if k, v, ok := strings.Cut(set, "="); ok {
			e = e.WithSet(k, v)
		}
		out := e.Merge(strings.Split(child, "\n"))
		seen := map[string]bool{}
		for i, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("malformed pair %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q", k)
			}
			seen[k] = true
			if i > 0 && out[i-1] > kv {
				t.Fatalf("output not sorted at %d", i)
			}
		}
	})
}
