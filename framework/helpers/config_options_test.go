package helpers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type optionTarget struct {
	name  string
	count int
}

func TestApplyOptions(t *testing.T) {
	var target optionTarget
	err := ApplyOptions(&target,
		ConfigOptionFunc[optionTarget](func(o *optionTarget) error { o.name = "x"; return nil }),
		ConfigOptionFunc[optionTarget](func(o *optionTarget) error { o.count = 2; return nil }),
	)
	assert.NoError(t, err)
	assert.Equal(t, optionTarget{name: "x", count: 2}, target)
}

func TestApplyOptionsStopsAtFirstError(t *testing.T) {
	var target optionTarget
	myErr := errors.New("bad option")
	err := ApplyOptions(&target,
		ConfigOptionFunc[optionTarget](func(o *optionTarget) error { return myErr }),
		ConfigOptionFunc[optionTarget](func(o *optionTarget) error { o.count = 2; return nil }),
	)
	assert.Equal(t, myErr, err)
	assert.Equal(t, 0, target.count)
}
