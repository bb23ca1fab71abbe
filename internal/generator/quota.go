package generator

// AllocateQuotas spreads target records across n chunks: each chunk gets
// target/n and the first target%n chunks get one more. The quotas always
// sum to target; chunks with a zero quota are skipped by the generators.
func AllocateQuotas(target, n int) []int {
	if n <= 0 {
		return nil
	}
	if target < 0 {
		target = 0
	}
	base, extra := target/n, target%n
	quotas := make([]int, n)
	for i := range quotas {
		quotas[i] = base
		if i < extra {
			quotas[i]++
		}
	}
	return quotas
}
