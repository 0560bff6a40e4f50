package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"swapflow/internal/chain"
	"swapflow/internal/orderbook"
	"swapflow/internal/quote"
	"swapflow/internal/swaperr"
	"swapflow/internal/wallet"
)

const opSign = "order.sign"

// Signer 负责构造订单并请求钱包签名。
type Signer struct {
	wallet wallet.Wallet
	domain Domain
	logger *zap.Logger
}

// NewSigner 为指定链创建签名器。
func NewSigner(w wallet.Wallet, c chain.Chain, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{wallet: w, domain: DomainFor(c), logger: logger}
}

// Domain 返回签名域。
func (s *Signer) Domain() Domain {
	return s.domain
}

// Sign 基于报价构造订单并签名。报价在 now 时刻已过期则直接返回 QuoteExpired，不会请求钱包。
func (s *Signer) Sign(ctx context.Context, q quote.Quote, owner common.Address, now time.Time) (SignedOrder, error) {
	if q.Expired(now) {
		return SignedOrder{}, swaperr.New(swaperr.KindQuoteExpired, opSign,
			fmt.Sprintf("报价 %d 已于 %s 过期", q.ID, time.Unix(int64(q.ValidTo), 0).UTC().Format(time.RFC3339)))
	}
	if q.ChainID != 0 && q.ChainID != s.domain.ChainID {
		return SignedOrder{}, swaperr.New(swaperr.KindInternal, opSign,
			fmt.Sprintf("报价链 %d 与签名域链 %d 不一致", q.ChainID, s.domain.ChainID))
	}
	if owner != s.wallet.Address() {
		return SignedOrder{}, swaperr.New(swaperr.KindInternal, opSign,
			fmt.Sprintf("订单所有者 %s 与钱包地址 %s 不一致", owner.Hex(), s.wallet.Address().Hex()))
	}

	o := Build(q, owner)
	sig, err := s.wallet.SignTypedData(ctx, TypedData(o, s.domain))
	if err != nil {
		if errors.Is(err, wallet.ErrRejected) {
			return SignedOrder{}, swaperr.Wrap(swaperr.KindSigningRejectedByUser, opSign, err)
		}
		return SignedOrder{}, swaperr.Wrap(swaperr.KindSigningFailed, opSign, err)
	}

	signed := SignedOrder{
		Order:         o,
		Domain:        s.domain,
		Signature:     sig,
		SigningScheme: orderbook.SigningSchemeEIP712,
		QuoteID:       q.ID,
		Owner:         owner,
	}

	s.logger.Info("订单已签名",
		zap.Int64("quote_id", q.ID),
		zap.String("owner", owner.Hex()),
		zap.Uint32("valid_to", o.ValidTo),
	)
	return signed, nil
}

// Creation 将签名订单转换为订单簿下单请求，携带 quoteId 与 from。
func (s SignedOrder) Creation() orderbook.OrderCreation {
	quoteID := s.QuoteID
	return orderbook.OrderCreation{
		SellToken:         s.Order.SellToken.Hex(),
		BuyToken:          s.Order.BuyToken.Hex(),
		Receiver:          s.Order.Receiver.Hex(),
		SellAmount:        s.Order.SellAmount.String(),
		BuyAmount:         s.Order.BuyAmount.String(),
		ValidTo:           s.Order.ValidTo,
		AppData:           s.Order.AppData.Hex(),
		FeeAmount:         s.Order.FeeAmount.String(),
		Kind:              s.Order.Kind,
		PartiallyFillable: s.Order.PartiallyFillable,
		SellTokenBalance:  s.Order.SellTokenBalance,
		BuyTokenBalance:   s.Order.BuyTokenBalance,
		SigningScheme:     s.SigningScheme,
		Signature:         s.Signature.String(),
		From:              s.Owner.Hex(),
		QuoteID:           &quoteID,
	}
}
