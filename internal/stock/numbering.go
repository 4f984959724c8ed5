package stock

// Bill number prefixes per document kind. The sequence behind each prefix is
// allocated in the database so numbers stay unique across processes.
const (
	prefixStockIn           = "SI"
	prefixStockOut          = "SO"
	prefixPurchaseIn        = "PI"
	prefixPurchaseReturnOut = "PRO"
	prefixSalesOut          = "SAO"
	prefixSalesReturnIn     = "SRI"
	prefixReversal          = "RSO"
	prefixCheck             = "CK"
	prefixCheckAdjustIn     = "CAI"
	prefixCheckAdjustOut    = "CAO"
)

func billPrefix(bizType BizType) string {
	switch bizType {
	case BizTypeStockIn:
		return prefixStockIn
	case BizTypeStockOut:
		return prefixStockOut
	case BizTypePurchaseIn:
		return prefixPurchaseIn
	case BizTypePurchaseReturnOut:
		return prefixPurchaseReturnOut
	case BizTypeSalesOut:
		return prefixSalesOut
	case BizTypeSalesReturnIn:
		return prefixSalesReturnIn
	case BizTypeReversalIn, BizTypeReversalOut:
		return prefixReversal
	case BizTypeCheckAdjustIn:
		return prefixCheckAdjustIn
	case BizTypeCheckAdjustOut:
		return prefixCheckAdjustOut
	default:
		return "MB"
	}
}
