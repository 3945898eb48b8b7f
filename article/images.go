package article

import "sort"

// MergeImages combines two image lists into one deduplicated by URL. Entries
// are applied existing-first, so an incoming entry replaces an existing one
// for the same URL, and the merged list is returned sorted.
func MergeImages(existing, incoming []CachedImage) []CachedImage {
	index := make(map[string]int)
	merged := make([]CachedImage, 0, len(existing)+len(incoming))
	apply := func(img CachedImage) {
		if img.URL == "" {
			return
		}
		if i, ok := index[img.URL]; ok {
			merged[i] = img
			return
		}
		index[img.URL] = len(merged)
		merged = append(merged, img)
	}
	for _, img := range existing {
		apply(img)
	}
	for _, img := range incoming {
		apply(img)
	}
	return SortImages(merged)
}

// SortImages orders images by ascending sequence. Images without an explicit
// sequence sort after positioned ones but keep their arrival order among
// themselves, so the sort is idempotent and the first element is the
// canonical default cover image.
func SortImages(images []CachedImage) []CachedImage {
	out := append([]CachedImage(nil), images...)
	sort.SliceStable(out, func(i, j int) bool {
		return sequenceKey(out[i]) < sequenceKey(out[j])
	})
	return out
}

func sequenceKey(img CachedImage) int {
	if img.Sequence <= 0 {
		return int(^uint(0) >> 1)
	}
	return img.Sequence
}
