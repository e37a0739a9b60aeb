package config_test

import (
	"testing"

	"github.com/leftmike/pagecache/config"
)

func TestParams(t *testing.T) {
	var b bool
	var i int
	var i64 int64
	var u64 uint64
	var s string

	config.BoolParam(&b, "test-bool", true, config.Default)
	config.IntParam(&i, "test-int", 123, config.Default)
	config.Int64Param(&i64, "test-int64", -456, config.Default)
	config.Uint64Param(&u64, "test-uint64", 789, config.Default)
	config.StringParam(&s, "test-string", "default", config.Default)

	if !b || i != 123 || i64 != -456 || u64 != 789 || s != "default" {
		t.Errorf("params not defaulted: %t %d %d %d %q", b, i, i64, u64, s)
	}

	cases := []struct {
		name string
		val  string
		fail bool
	}{
		{name: "test-bool", val: "false"},
		{name: "test-int", val: "321"},
		{name: "test-int64", val: "-654"},
		{name: "test-uint64", val: "987"},
		{name: "test-string", val: "updated"},
		{name: "test-int", val: "not-a-number", fail: true},
		{name: "no-such-param", val: "1", fail: true},
	}

	for _, c := range cases {
		err := config.Update(c.name, c.val)
		if err != nil {
			if !c.fail {
				t.Errorf("Update(%q, %q) failed with %s", c.name, c.val, err)
			}
		} else if c.fail {
			t.Errorf("Update(%q, %q) did not fail", c.name, c.val)
		}
	}

	if b || i != 321 || i64 != -654 || u64 != 987 || s != "updated" {
		t.Errorf("params not updated: %t %d %d %d %q", b, i, i64, u64, s)
	}
}

func TestNoUpdate(t *testing.T) {
	var s string
	config.StringParam(&s, "test-no-update", "fixed", config.NoUpdate)

	err := config.Update("test-no-update", "changed")
	if err != nil {
		t.Errorf("Update(test-no-update) failed with %s", err)
	}

	config.Started()
	err = config.Update("test-no-update", "changed again")
	if err == nil {
		t.Error("Update(test-no-update) did not fail after Started()")
	}
	if s != "changed" {
		t.Errorf("param got %q want %q", s, "changed")
	}
}
