package domain

// EncodeMargin converts a user- or Excel-supplied margin number into the
// stored fraction. Values ≥ 1.0 are interpreted as percentages (e.g. 30 ≡
// 30%) and divided by 100; values < 1.0 are stored verbatim.
func EncodeMargin(v float64) float64 {
	if v >= 1.0 {
		return v / 100
	}
	return v
}

// ExportMargin converts a stored fraction back into the percentage form
// used for display/export.
func ExportMargin(v float64) float64 {
	return v * 100
}

// EquivalentQuantity returns q / items_per_renglón, treating a zero or
// negative items_per_renglón as 1 (spec §9 open question: an incoming zero
// must be logged as WARN by the caller and treated as 1). wasInvalid
// reports whether the correction was applied, so the caller can log it.
func EquivalentQuantity(quantity float64, itemsPerRenglon int) (eq float64, normalized int, wasInvalid bool) {
	if itemsPerRenglon <= 0 {
		return quantity, 1, true
	}
	return quantity / float64(itemsPerRenglon), itemsPerRenglon, false
}
