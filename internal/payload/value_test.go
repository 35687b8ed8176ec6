package payload

import (
	"testing"
)

func TestParseObjectAccessors(t *testing.T) {
	v, err := Parse([]byte(`{"op":8192,"_reqid":9007199254740993,"reply":false,"model":100,"query":{"cmd":"start","val":"x"},"list":[1,2],"ratio":0.5}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !v.IsObject() {
		t.Fatalf("kind = %v, want object", v.Kind())
	}

	if op, ok := v.Int64("op"); !ok || op != 8192 {
		t.Errorf("op = %d, %v; want 8192, true", op, ok)
	}
	if id, ok := v.Int64("_reqid"); !ok || id != 9007199254740993 {
		t.Errorf("_reqid = %d, %v; want exact 64-bit value", id, ok)
	}
	if reply, ok := v.Bool("reply"); !ok || reply {
		t.Errorf("reply = %v, %v; want false, true", reply, ok)
	}
	if model, ok := v.Uint32("model"); !ok || model != 100 {
		t.Errorf("model = %d, %v; want 100, true", model, ok)
	}
	if r, ok := v.Float("ratio"); !ok || r != 0.5 {
		t.Errorf("ratio = %v, %v; want 0.5, true", r, ok)
	}

	q, ok := v.Object("query")
	if !ok {
		t.Fatal("query object missing")
	}
	if cmd, ok := q.Str("cmd"); !ok || cmd != "start" {
		t.Errorf("cmd = %q, %v; want start, true", cmd, ok)
	}

	list, ok := v.Array("list")
	if !ok || list.Len() != 2 {
		t.Fatalf("list = %v, %v; want 2 elements", list, ok)
	}
	second, _ := list.Index(1)
	if n, ok := second.AsInt64(); !ok || n != 2 {
		t.Errorf("list[1] = %d, %v; want 2", n, ok)
	}

	if _, ok := v.Str("op"); ok {
		t.Error("Str on a number member should fail")
	}
	if _, ok := v.Object("missing"); ok {
		t.Error("Object on a missing member should fail")
	}
}

func TestBoolAcceptsNumbers(t *testing.T) {
	v, err := Parse([]byte(`{"a":1,"b":0,"c":"yes"}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if b, ok := v.Bool("a"); !ok || !b {
		t.Errorf("a = %v, %v; want true, true", b, ok)
	}
	if b, ok := v.Bool("b"); !ok || b {
		t.Errorf("b = %v, %v; want false, true", b, ok)
	}
	if _, ok := v.Bool("c"); ok {
		t.Error("string member should not read as bool")
	}
}

func TestBuildAndMarshal(t *testing.T) {
	host := NewObject()
	host.Set("nm", "box")
	host.Set("activeState", int64(12))

	v := NewObject()
	v.Set("op", uint32(1))
	v.Set("model", uint32(100))
	v.Set("agent_host", host)
	v.Set("profiles", []string{"a", "b"})

	got := string(v.MustMarshal())
	want := `{"agent_host":{"activeState":12,"nm":"box"},"model":100,"op":1,"profiles":["a","b"]}`
	if got != want {
		t.Fatalf("Marshal = %s\nwant      %s", got, want)
	}

	back, err := Parse([]byte(got))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !back.Equal(v) {
		t.Errorf("reparsed value %s differs from %s", back, v)
	}
}

func TestSetOnNonObject(t *testing.T) {
	arr := NewArray(1, 2)
	if arr.Set("x", 1) {
		t.Error("Set on an array should report false")
	}
	if arr.Append(3).Len() != 3 {
		t.Error("Append should grow the array")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte(`{"op":`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
}
