package qrcode

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	qrcode "github.com/skip2/go-qrcode"
)

const DefaultSize = 256

// PaymentURI builds an EIP-681 link asking the wallet to send wei to address.
func PaymentURI(address common.Address, wei *big.Int) string {
	if wei == nil || wei.Sign() <= 0 {
		return fmt.Sprintf("ethereum:%s", address.Hex())
	}
	return fmt.Sprintf("ethereum:%s?value=%s", address.Hex(), wei.String())
}

// GeneratePNG renders the payment URI as a PNG image.
func GeneratePNG(address common.Address, wei *big.Int, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(PaymentURI(address, wei), qrcode.Medium, size)
}
