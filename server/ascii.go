package server

// ASCII mode translation. Both functions work on one chunk at a time and
// carry a single bit across chunk boundaries, so memory use does not grow
// with the file.

// toCRLF appends src to dst with every LF not already preceded by CR
// expanded to CR LF. prevCR tells whether the byte before src was a CR; the
// returned flag is the same for the last byte of src.
func toCRLF(dst, src []byte, prevCR bool) ([]byte, bool) {
	for _, b := range src {
		if b == '\n' && !prevCR {
			dst = append(dst, '\r')
		}
		dst = append(dst, b)
		prevCR = b == '\r'
	}
	return dst, prevCR
}

// fromCRLF appends src to dst with CR LF collapsed to LF. A CR ending src is
// held back and reported as pending so that it can be paired with a LF
// opening the next chunk; pass the flag back in with the next chunk and call
// flushCR at end of stream.
func fromCRLF(dst, src []byte, pendingCR bool) ([]byte, bool) {
	for _, b := range src {
		if pendingCR {
			pendingCR = false
			if b == '\n' {
				dst = append(dst, '\n')
				continue
			}
			dst = append(dst, '\r')
		}
		if b == '\r' {
			pendingCR = true
			continue
		}
		dst = append(dst, b)
	}
	return dst, pendingCR
}

// flushCR returns the bytes owed at end of stream by fromCRLF.
func flushCR(pendingCR bool) []byte {
	if pendingCR {
		return []byte{'\r'}
	}
	return nil
}
