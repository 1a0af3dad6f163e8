package pipelines

// Embeddings is a [1, Length, Hidden] float tensor stored row-major.
type Embeddings struct {
	Data   []float32
	Length int
	Hidden int
}

// FindPlaceholder returns the index of the first image token in ids. Without one the
// image block goes in the middle of the sequence.
func FindPlaceholder(ids []int64, imageTokenID int64) int {
	for i, id := range ids {
		if id == imageTokenID {
			return i
		}
	}
	return len(ids) / 2
}

// FuseEmbeddings splices at most maxImageTokens rows of image into text at placeholder.
// The output holds text[0:p], the image block, then text[p:].
func FuseEmbeddings(text, image Embeddings, placeholder int, maxImageTokens int) (Embeddings, error) {
	if text.Hidden != image.Hidden {
		return Embeddings{}, shapeMismatch("image embedding hidden size", text.Hidden, image.Hidden)
	}
	if len(text.Data) != text.Length*text.Hidden {
		return Embeddings{}, shapeMismatch("text embedding elements", text.Length*text.Hidden, len(text.Data))
	}
	if len(image.Data) != image.Length*image.Hidden {
		return Embeddings{}, shapeMismatch("image embedding elements", image.Length*image.Hidden, len(image.Data))
	}

	imageLength := image.Length
	if maxImageTokens >= 0 {
		imageLength = min(imageLength, maxImageTokens)
	}
	placeholder = max(0, min(placeholder, text.Length))

	d := text.Hidden
	fused := Embeddings{
		Length: text.Length + imageLength,
		Hidden: d,
		Data:   make([]float32, 0, (text.Length+imageLength)*d),
	}
	fused.Data = append(fused.Data, text.Data[:placeholder*d]...)
	fused.Data = append(fused.Data, image.Data[:imageLength*d]...)
	fused.Data = append(fused.Data, text.Data[placeholder*d:]...)
	return fused, nil
}
