package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderTrigger string

type lineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func TestDedupeKey_Deterministic(t *testing.T) {
	k1, err := DedupeKey("order-1", "Pay", []any{"card", 42})
	require.NoError(t, err)
	k2, err := DedupeKey("order-1", "Pay", []any{"card", 42})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestDedupeKey_DistinguishesInputs(t *testing.T) {
	base := MustDedupeKey("order-1", "Pay", "card", 42)

	assert.NotEqual(t, base, MustDedupeKey("order-2", "Pay", "card", 42), "entity")
	assert.NotEqual(t, base, MustDedupeKey("order-1", "Refund", "card", 42), "trigger")
	assert.NotEqual(t, base, MustDedupeKey("order-1", "Pay", "card", 43), "argument")
	assert.NotEqual(t, base, MustDedupeKey("order-1", "Pay", 42, "card"), "argument order")
}

func TestDedupeKey_NoArgs(t *testing.T) {
	k1 := MustDedupeKey("order-1", "Place")
	k2, err := DedupeKey("order-1", "Place", nil)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestDedupeKey_StructAndNamedArgs(t *testing.T) {
	item := lineItem{SKU: "widget", Quantity: 3}
	k1 := MustDedupeKey("cart-1", "Add", item, orderTrigger("x"), 1.5)
	k2 := MustDedupeKey("cart-1", "Add", lineItem{SKU: "widget", Quantity: 3}, orderTrigger("x"), 1.5)
	assert.Equal(t, k1, k2)

	k3 := MustDedupeKey("cart-1", "Add", lineItem{SKU: "widget", Quantity: 4}, orderTrigger("x"), 1.5)
	assert.NotEqual(t, k1, k3)
}

func TestDedupeKey_UnsupportedArgument(t *testing.T) {
	_, err := DedupeKey("e", "T", []any{make(chan int)})
	assert.Error(t, err)
}

func TestEventID_Stable(t *testing.T) {
	assert.Equal(t, EventID("order-1", 3), EventID("order-1", 3))
	assert.NotEqual(t, EventID("order-1", 3), EventID("order-1", 4))
}

func TestFromAny_Floats(t *testing.T) {
	v, err := FromAny(0.1)
	require.NoError(t, err)
	assert.Equal(t, String("0.1"), v)
}
