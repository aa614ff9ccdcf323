package main

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/sheet/grid"
)

func TestColumnTitle(t *testing.T) {
	assert.Equal(t, columnTitle(0), "A")
	assert.Equal(t, columnTitle(25), "Z")
	assert.Equal(t, columnTitle(26), "AA")
	assert.Equal(t, columnTitle(27), "AB")
	assert.Equal(t, columnTitle(51), "AZ")
	assert.Equal(t, columnTitle(52), "BA")
	assert.Equal(t, columnTitle(701), "ZZ")
	assert.Equal(t, columnTitle(702), "AAA")
}

func TestParseColor(t *testing.T) {
	c, err := parseColor("#11223344")
	assert.Equal(t, err, nil)
	assert.Equal(t, c, grid.Color{Red: 0x11, Green: 0x22, Blue: 0x33, Alpha: 0x44})
	// the wire order is red, blue, green, alpha
	assert.Equal(t, c.Pack(), int32(0x11332244))

	c, err = parseColor("ff8000")
	assert.Equal(t, err, nil)
	assert.Equal(t, c, grid.Color{Red: 0xff, Green: 0x80, Blue: 0x00, Alpha: 0xff})

	_, err = parseColor("#123")
	assert.NotEqual(t, err, nil)
	_, err = parseColor("#zzzzzzzz")
	assert.NotEqual(t, err, nil)
}
