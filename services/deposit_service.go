package services

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// DepositInfo is everything a client needs to fund an escrow.
type DepositInfo struct {
	Wallet   string `json:"wallet"`
	Amount   int64  `json:"amount"`
	Memo     string `json:"memo,omitempty"`
	URI      string `json:"uri"`
	QRBase64 string `json:"qr_png_base64"`
}

// DepositService builds deposit instructions for the collection wallet.
type DepositService struct {
	collectionWallet string
}

// NewDepositService creates a deposit service for the given wallet.
func NewDepositService(collectionWallet string) *DepositService {
	return &DepositService{collectionWallet: collectionWallet}
}

// Instructions returns the payment URI plus a PNG QR code for it.
func (s *DepositService) Instructions(amount int64, memo string) (*DepositInfo, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invalid deposit amount: %d", amount)
	}
	uri := fmt.Sprintf("watt:%s?amount=%d", s.collectionWallet, amount)
	if memo != "" {
		uri += "&memo=" + url.QueryEscape(memo)
	}

	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(256)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}

	return &DepositInfo{
		Wallet:   s.collectionWallet,
		Amount:   amount,
		Memo:     memo,
		URI:      uri,
		QRBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
