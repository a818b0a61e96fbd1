package delivery_test

import (
	"testing"

	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/stretchr/testify/assert"
)

func TestDeliveryResolved(t *testing.T) {
	open := []delivery.Status{delivery.Pending, delivery.Attempting, delivery.Retrying}
	for _, status := range open {
		assert.False(t, delivery.Delivery{Status: status}.Resolved(), status.String())
	}

	terminal := []delivery.Status{delivery.Success, delivery.Failed}
	for _, status := range terminal {
		assert.True(t, delivery.Delivery{Status: status}.Resolved(), status.String())
	}
}
