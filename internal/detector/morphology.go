package detector

// closeMask dilates then erodes the mask with a square kernel, filling
// small gaps such as text lines that split the page into pieces.
func closeMask(mask []bool, w, h, kernel int) []bool {
	if kernel <= 1 {
		return mask
	}
	return morph(morph(mask, w, h, kernel, true), w, h, kernel, false)
}

// openMask erodes then dilates, removing specks smaller than the kernel.
func openMask(mask []bool, w, h, kernel int) []bool {
	if kernel <= 1 {
		return mask
	}
	return morph(morph(mask, w, h, kernel, false), w, h, kernel, true)
}

// morph applies a separable square max (grow) or min filter. Samples
// outside the image are ignored.
func morph(mask []bool, w, h, kernel int, grow bool) []bool {
	r := kernel / 2
	pass := func(src []bool, dx, dy int) []bool {
		dst := make([]bool, len(src))
		for y := range h {
			for x := range w {
				v := !grow
				for k := -r; k <= r; k++ {
					xx, yy := x+k*dx, y+k*dy
					if xx < 0 || xx >= w || yy < 0 || yy >= h {
						continue
					}
					if src[yy*w+xx] == grow {
						v = grow
						break
					}
				}
				dst[y*w+x] = v
			}
		}
		return dst
	}
	return pass(pass(mask, 1, 0), 0, 1)
}
