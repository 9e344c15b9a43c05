package domain

import (
	"hash/crc32"
	"strings"

	"github.com/shopspring/decimal"
)

const DefaultChecksumDepth = 10

type ChecksumValidation struct {
	Expected   uint32 `json:"expected"`
	Calculated uint32 `json:"calculated"`
	Valid      bool   `json:"valid"`
	BidCount   int    `json:"bidCount"`
	AskCount   int    `json:"askCount"`
}

// Checksum is the CRC32 (IEEE) of the top depth asks, best first, followed by
// the top depth bids, best first. Each price and quantity contributes its
// digits with the decimal point and leading and trailing zeros removed.
func Checksum(bids, asks []PriceLevel, depth int) uint32 {
	if depth <= 0 {
		depth = DefaultChecksumDepth
	}

	var sb strings.Builder
	for i := 0; i < depth && i < len(asks); i++ {
		sb.WriteString(checksumDigits(asks[i].Price))
		sb.WriteString(checksumDigits(asks[i].Qty))
	}
	for i := 0; i < depth && i < len(bids); i++ {
		sb.WriteString(checksumDigits(bids[i].Price))
		sb.WriteString(checksumDigits(bids[i].Qty))
	}

	return crc32.ChecksumIEEE([]byte(sb.String()))
}

func checksumDigits(v float64) string {
	s := decimal.NewFromFloat(v).StringFixed(10)
	s = strings.Replace(s, ".", "", 1)
	s = strings.TrimLeft(s, "0")
	s = strings.TrimRight(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
