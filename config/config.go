package config

import (
	"fmt"
	"sort"
	"strings"
)

type Value interface {
	Set(string) error
	String() string
}

type Option int

const (
	Default  Option = 0
	NoUpdate Option = 1 << iota // can not be updated after startup
)

type Param struct {
	Name    string
	Val     Value
	Options Option
}

type config struct {
	params  map[string]*Param
	started bool
}

var cfg = &config{}

func (cfg *config) allParams() []*Param {
	list := make([]*Param, 0, len(cfg.params))
	for _, param := range cfg.params {
		list = append(list, param)
	}
	sort.Slice(list,
		func(i, j int) bool {
			return strings.Compare(list[i].Name, list[j].Name) < 0
		})
	return list
}

func AllParams() []*Param {
	return cfg.allParams()
}

func (cfg *config) setParam(name, val string) error {
	param, ok := cfg.params[name]
	if !ok {
		return fmt.Errorf("config: %s is not a param", name)
	}
	if cfg.started && (param.Options&NoUpdate) != 0 {
		return fmt.Errorf("config: %s may not be updated", name)
	}

	err := param.Val.Set(val)
	if err != nil {
		return fmt.Errorf("config: param %s: %s", name, err)
	}
	return nil
}

func Update(name, val string) error {
	return cfg.setParam(name, val)
}

// Started marks the end of startup; params declared NoUpdate reject
// changes from here on.
func Started() {
	cfg.started = true
}

func (cfg *config) param(val Value, name string, opts Option) {
	if _, ok := cfg.params[name]; ok {
		panic(fmt.Sprintf("config: param redefined: %s", name))
	}
	if cfg.params == nil {
		cfg.params = make(map[string]*Param)
	}
	cfg.params[name] = &Param{name, val, opts}
}

func Parameter(val Value, name string, opts Option) {
	cfg.param(val, name, opts)
}

func (cfg *config) boolParam(p *bool, name string, b bool, opts Option) *bool {
	*p = b
	cfg.param((*boolValue)(p), name, opts)
	return p
}

func BoolParam(p *bool, name string, b bool, opts Option) *bool {
	return cfg.boolParam(p, name, b, opts)
}

func (cfg *config) intParam(p *int, name string, i int, opts Option) *int {
	*p = i
	cfg.param((*intValue)(p), name, opts)
	return p
}

func IntParam(p *int, name string, i int, opts Option) *int {
	return cfg.intParam(p, name, i, opts)
}

func (cfg *config) int64Param(p *int64, name string, i int64, opts Option) *int64 {
	*p = i
	cfg.param((*int64Value)(p), name, opts)
	return p
}

func Int64Param(p *int64, name string, i int64, opts Option) *int64 {
	return cfg.int64Param(p, name, i, opts)
}

func (cfg *config) uint64Param(p *uint64, name string, u uint64, opts Option) *uint64 {
	*p = u
	cfg.param((*uint64Value)(p), name, opts)
	return p
}

func Uint64Param(p *uint64, name string, u uint64, opts Option) *uint64 {
	return cfg.uint64Param(p, name, u, opts)
}

func (cfg *config) stringParam(p *string, name string, s string, opts Option) *string {
	*p = s
	cfg.param((*stringValue)(p), name, opts)
	return p
}

func StringParam(p *string, name string, s string, opts Option) *string {
	return cfg.stringParam(p, name, s, opts)
}
