package forwarder

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
)

func TestTemplateEmbedsRouter(t *testing.T) {
	router := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	tpl := New(router)

	assert.Equal(t, router, tpl.Router())
	assert.True(t, bytes.Contains(tpl.RuntimeCode(), router.Bytes()))
	assert.True(t, bytes.Contains(tpl.InitCode(), tpl.RuntimeCode()))
}

func TestInitCodeHashIsContentHash(t *testing.T) {
	tpl := New(common.HexToAddress("0x01"))

	assert.Equal(t, crypto.Keccak256Hash(tpl.InitCode()), tpl.InitCodeHash())

	// Same router, same build: the constant pair must be stable.
	again := New(common.HexToAddress("0x01"))
	assert.Equal(t, tpl.InitCodeHash(), again.InitCodeHash())
}

func TestDifferentRouterChangesHash(t *testing.T) {
	a := New(common.HexToAddress("0x01"))
	b := New(common.HexToAddress("0x02"))

	assert.NotEqual(t, a.InitCodeHash(), b.InitCodeHash())
}

func TestAccessorsReturnCopies(t *testing.T) {
	tpl := New(common.HexToAddress("0x01"))

	ic := tpl.InitCode()
	ic[0] ^= 0xff
	assert.NotEqual(t, ic[0], tpl.InitCode()[0])

	rc := tpl.RuntimeCode()
	rc[0] ^= 0xff
	assert.NotEqual(t, rc[0], tpl.RuntimeCode()[0])
}
