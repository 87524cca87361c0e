package detector

import "github.com/MeKo-Tech/docscan/internal/utils"

// component summarizes one 4-connected foreground region.
type component struct {
	count int
	minX  int
	minY  int
	maxX  int
	maxY  int
	// rowMin and rowMax hold the horizontal extent per row, indexed from minY.
	rowMin []int
	rowMax []int
}

func (c component) touchesBorder(w, h int) bool {
	return c.minX == 0 || c.minY == 0 || c.maxX == w-1 || c.maxY == h-1
}

// outline returns the pixel-corner points of the component's row extents.
// Their convex hull equals the hull of the component itself.
func (c component) outline() []utils.Point {
	pts := make([]utils.Point, 0, 4*len(c.rowMin))
	for i := range c.rowMin {
		if c.rowMin[i] > c.rowMax[i] {
			continue
		}
		y := float64(c.minY + i)
		x0 := float64(c.rowMin[i])
		x1 := float64(c.rowMax[i] + 1)
		pts = append(pts,
			utils.Point{X: x0, Y: y}, utils.Point{X: x1, Y: y},
			utils.Point{X: x0, Y: y + 1}, utils.Point{X: x1, Y: y + 1},
		)
	}
	return pts
}

// largestComponent labels the mask with a BFS flood fill and returns the
// component with the most pixels. ok is false when the mask is empty.
func largestComponent(mask []bool, w, h int) (best component, ok bool) {
	visited := make([]bool, w*h)
	queue := make([]int, 0, 1024)

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}
		sx, sy := start%w, start/w
		c := component{minX: sx, minY: sy, maxX: sx, maxY: sy}
		rows := map[int][2]int{}

		queue = append(queue[:0], start)
		visited[start] = true
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%w, i/w

			c.count++
			c.minX, c.maxX = min(c.minX, x), max(c.maxX, x)
			c.minY, c.maxY = min(c.minY, y), max(c.maxY, y)
			if r, seen := rows[y]; seen {
				rows[y] = [2]int{min(r[0], x), max(r[1], x)}
			} else {
				rows[y] = [2]int{x, x}
			}

			for _, n := range neighbors(x, y, w, h) {
				if n >= 0 && mask[n] && !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}

		if c.count <= best.count {
			continue
		}
		c.rowMin = make([]int, c.maxY-c.minY+1)
		c.rowMax = make([]int, c.maxY-c.minY+1)
		for i := range c.rowMin {
			c.rowMin[i], c.rowMax[i] = w, -1
		}
		for y, r := range rows {
			c.rowMin[y-c.minY], c.rowMax[y-c.minY] = r[0], r[1]
		}
		best, ok = c, true
	}
	return best, ok
}

func neighbors(x, y, w, h int) [4]int {
	n := [4]int{-1, -1, -1, -1}
	if x > 0 {
		n[0] = y*w + x - 1
	}
	if x < w-1 {
		n[1] = y*w + x + 1
	}
	if y > 0 {
		n[2] = (y-1)*w + x
	}
	if y < h-1 {
		n[3] = (y+1)*w + x
	}
	return n
}
