package fracindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAfterIsGreater(t *testing.T) {
	var a = First()
	for i := 0; i < 100; i++ {
		var b = After(a)
		require.True(t, Less(a, b), "After(%q) = %q should be greater", a, b)
		a = b
	}
}

func TestBeforeIsLesser(t *testing.T) {
	var b = First()
	for i := 0; i < 100; i++ {
		var a = Before(b)
		require.True(t, Less(a, b), "Before(%q) = %q should be lesser", b, a)
		b = a
	}
}

func TestBetweenIsStrictlyBetween(t *testing.T) {
	var a, b = "A", "B"
	for i := 0; i < 200; i++ {
		var c = Between(a, b)
		require.True(t, Less(a, c), "iteration %d: %q should be < %q", i, a, c)
		require.True(t, Less(c, b), "iteration %d: %q should be < %q", i, c, b)
		b = c
	}
}

func TestBetweenConvergesFromBothSides(t *testing.T) {
	var a, b = First(), After(First())
	for i := 0; i < 50; i++ {
		var c = Between(a, b)
		require.True(t, Less(a, c))
		require.True(t, Less(c, b))
		if i%2 == 0 {
			a = c
		} else {
			b = c
		}
	}
}

func TestBetweenPanicsOnInvertedArgs(t *testing.T) {
	require.Panics(t, func() { Between("B", "A") })
	require.Panics(t, func() { Between("A", "A") })
}

func TestFirstIsStable(t *testing.T) {
	require.Equal(t, First(), First())
}
