package hydra

import "fmt"

// invariant panics when cond does not hold. Used for log corruption, double
// apply and role misuse: continuing would let replicas diverge.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("hydra: invariant violated: "+format, args...))
	}
}
