package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeploymentStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to DeploymentStatus
		ok       bool
	}{
		{DeploymentPending, DeploymentConnected, true},
		{DeploymentPending, DeploymentExecuting, true},
		{DeploymentPending, DeploymentCompleted, false},
		{DeploymentPending, DeploymentFailed, false},
		{DeploymentConnected, DeploymentExecuting, true},
		{DeploymentConnected, DeploymentPending, false},
		{DeploymentExecuting, DeploymentCompleted, true},
		{DeploymentExecuting, DeploymentFailed, true},
		{DeploymentExecuting, DeploymentConnected, false},
		{DeploymentCompleted, DeploymentFailed, false},
		{DeploymentFailed, DeploymentCompleted, false},
		{DeploymentCompleted, DeploymentCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDeviceAppendErrorIsBounded(t *testing.T) {
	d := &Device{}
	for i := 0; i < MaxDeviceErrors+5; i++ {
		d.AppendError(string(rune('a' + i)))
	}
	assert.Len(t, d.Errors, MaxDeviceErrors)
	assert.Equal(t, string(rune('a'+5)), d.Errors[0])
}

func TestDeviceCloneDoesNotShare(t *testing.T) {
	level := 40
	d := &Device{BatteryLevel: &level, Errors: []string{"x"}}
	c := d.Clone()
	*c.BatteryLevel = 10
	c.Errors[0] = "y"
	assert.Equal(t, 40, *d.BatteryLevel)
	assert.Equal(t, "x", d.Errors[0])
}
