package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMotionActionEncoding(t *testing.T) {
	action := MotionActionPointerDown.WithPointerIndex(2)
	assert.Equal(t, MotionActionPointerDown, action.Masked())
	assert.Equal(t, 2, action.PointerIndex())

	assert.True(t, MotionActionHoverMove.IsHover())
	assert.True(t, MotionActionHoverEnter.IsHover())
	assert.False(t, MotionActionMove.IsHover())
}

func TestSourceClasses(t *testing.T) {
	assert.True(t, SourceTouchscreen.IsPointer())
	assert.True(t, SourceMouse.IsPointer())
	assert.False(t, SourceKeyboard.IsPointer())
	assert.False(t, SourceTrackball.IsPointer())
}

func TestValidateKeyAction(t *testing.T) {
	assert.True(t, ValidateKeyAction(KeyActionDown))
	assert.True(t, ValidateKeyAction(KeyActionUp))
	assert.False(t, ValidateKeyAction(KeyAction(7)))
}

func TestValidateMotionAction(t *testing.T) {
	cases := []struct {
		name         string
		action       MotionAction
		pointerCount int
		want         bool
	}{
		{"down", MotionActionDown, 1, true},
		{"move", MotionActionMove, 2, true},
		{"bad code", MotionAction(0x42), 1, false},
		{"pointer down valid index", MotionActionPointerDown.WithPointerIndex(1), 2, true},
		{"pointer down index out of range", MotionActionPointerDown.WithPointerIndex(2), 2, false},
		{"pointer up index out of range", MotionActionPointerUp.WithPointerIndex(5), 2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidateMotionAction(tc.action, tc.pointerCount))
		})
	}
}

func TestValidatePointers(t *testing.T) {
	assert.False(t, ValidatePointers(nil), "zero pointers")

	tooMany := make([]PointerProperties, MaxPointers+1)
	for i := range tooMany {
		tooMany[i].ID = int32(i)
	}
	assert.False(t, ValidatePointers(tooMany), "too many pointers")

	assert.False(t, ValidatePointers([]PointerProperties{{ID: MaxPointerID + 1}}),
		"id out of range")
	assert.False(t, ValidatePointers([]PointerProperties{{ID: 4}, {ID: 4}}),
		"duplicate ids")
	assert.True(t, ValidatePointers([]PointerProperties{{ID: 0}, {ID: 7}}))
}

func TestPointerIDSet(t *testing.T) {
	var s PointerIDSet
	assert.True(t, s.Empty())

	s = s.Insert(3).Insert(31).Insert(3)
	assert.Equal(t, 2, s.Count())
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(31))
	assert.False(t, s.Has(0))

	s = s.Remove(3)
	assert.False(t, s.Has(3))
	assert.Equal(t, 1, s.Count())

	other := PointerIDSet(0).Insert(31)
	assert.True(t, s.Intersects(other))
	assert.False(t, s.Intersects(PointerIDSet(0).Insert(2)))
}

func TestPointerCoordsScale(t *testing.T) {
	c := PointerCoords{X: 10, Y: 20, Pressure: 0.5, TouchMajor: 4}
	c.Scale(2)
	assert.Equal(t, float32(20), c.X)
	assert.Equal(t, float32(40), c.Y)
	assert.Equal(t, float32(8), c.TouchMajor)
	assert.Equal(t, float32(0.5), c.Pressure, "pressure is not geometric")
}

func TestAppSwitchKeyCodes(t *testing.T) {
	assert.True(t, KeycodeHome.IsAppSwitch())
	assert.True(t, KeycodeEndcall.IsAppSwitch())
	assert.False(t, KeycodeA.IsAppSwitch())
}
