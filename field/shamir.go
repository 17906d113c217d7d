package field

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// ErrTooFewShares is returned when recombination is attempted with fewer
// than t+1 available shares.
var ErrTooFewShares = errors.New("field: fewer than t+1 shares available")

// ErrMatrixSingular is returned by robust recombination when the
// Berlekamp-Welch equation system has no solution at any error-tolerance
// level, i.e. more than t shares are corrupted.
var ErrMatrixSingular = errors.New("field: unexpected matrix singularity")

// Share is a single Shamir share (i, f(i)) for holder index i in [1,n]. A
// nil Value represents a share that has not arrived (or been withheld),
// which both recombination routines treat as "missing" rather than zero.
type Share struct {
	Index uint8
	Value *big.Int
}

// Split produces n shares of secret under a random degree-t polynomial
// f with f(0) = secret, i.e. share i holds f(i+1). It returns the shares
// together with the polynomial's coefficients (constant term first), since
// JF-DKG and Pedersen-DKG publish Feldman/Pedersen commitments to those
// coefficients. Grounded on shamir.py's share().
func Split(secret *big.Int, n, t int, order *big.Int) ([]Share, []*big.Int, error) {
	if t < 0 || t >= n {
		return nil, nil, fmt.Errorf("field: invalid threshold t=%d for n=%d", t, n)
	}
	coeffs := make([]*big.Int, t+1)
	coeffs[0] = new(big.Int).Mod(secret, order)
	for k := 1; k <= t; k++ {
		c, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, nil, err
		}
		coeffs[k] = c
	}

	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		x := big.NewInt(int64(i + 1))
		shares[i] = Share{Index: uint8(i + 1), Value: evalPoly(coeffs, x, order)}
	}
	return shares, coeffs, nil
}

// evalPoly evaluates the polynomial with the given coefficients (constant
// term first) at x, modulo order, via Horner's scheme.
func evalPoly(coeffs []*big.Int, x, order *big.Int) *big.Int {
	result := big.NewInt(0)
	for k := len(coeffs) - 1; k >= 0; k-- {
		result.Mul(result, x)
		result.Add(result, coeffs[k])
		result.Mod(result, order)
	}
	return result
}

// recombinationCache memoizes Lagrange coefficient vectors keyed by
// (order, holder set, evaluation point), mirroring shamir.py's
// _recombination_vectors cache.
var (
	recombinationCacheMu sync.Mutex
	recombinationCache    = map[string][]*big.Int{}
)

func cacheKey(order *big.Int, players []uint8, x *big.Int) string {
	var b strings.Builder
	b.WriteString(order.Text(16))
	b.WriteByte('|')
	for _, p := range players {
		fmt.Fprintf(&b, "%d,", p)
	}
	b.WriteByte('|')
	b.WriteString(x.Text(16))
	return b.String()
}

// RecombineFast performs non-robust Lagrange interpolation at x (default 0,
// the secret itself) using the first t+1 available shares. It assumes every
// share passed in is correct (e.g. already VSS-verified); a missing share is
// represented by a nil Value and is skipped. Returns ErrTooFewShares if
// fewer than t+1 shares are present. Grounded on shamir.py's recombine()
// with robust=False.
func RecombineFast(shares []Share, t int, x, order *big.Int) (*big.Int, error) {
	if x == nil {
		x = big.NewInt(0)
	}
	filtered := make([]Share, 0, len(shares))
	for _, s := range shares {
		if s.Value != nil {
			filtered = append(filtered, s)
			if len(filtered) == t+1 {
				break
			}
		}
	}
	if len(filtered) != t+1 {
		return nil, ErrTooFewShares
	}

	players := make([]uint8, len(filtered))
	for i, s := range filtered {
		players[i] = s.Index
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Index < filtered[j].Index })
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })

	key := cacheKey(order, players, x)
	recombinationCacheMu.Lock()
	lagranges, ok := recombinationCache[key]
	recombinationCacheMu.Unlock()
	if !ok {
		lagranges = make([]*big.Int, len(filtered))
		for i, si := range filtered {
			ii := big.NewInt(int64(si.Index))
			num := big.NewInt(1)
			for _, sk := range filtered {
				if sk.Index == si.Index {
					continue
				}
				kk := big.NewInt(int64(sk.Index))
				factor := new(big.Int).Sub(kk, x)
				factor.Mod(factor, order)
				denom := new(big.Int).Sub(kk, ii)
				denom.Mod(denom, order)
				denomInv := new(big.Int).ModInverse(denom, order)
				factor.Mul(factor, denomInv)
				factor.Mod(factor, order)
				num.Mul(num, factor)
				num.Mod(num, order)
			}
			lagranges[i] = num
		}
		recombinationCacheMu.Lock()
		recombinationCache[key] = lagranges
		recombinationCacheMu.Unlock()
	}

	secret := big.NewInt(0)
	for i, s := range filtered {
		term := new(big.Int).Mul(s.Value, lagranges[i])
		secret.Add(secret, term)
	}
	return secret.Mod(secret, order), nil
}

// RecombineRobust recombines the secret at x=0 tolerating up to t corrupted
// or missing shares among the n given, via Berlekamp-Welch decoding:
// construct the error-locator/value-polynomial equation system at
// decreasing error tolerance th (starting at t), solve by Gaussian
// elimination with partial pivoting, and divide out the error locator. A
// missing share is treated as value 0 (an arbitrary, certainly-wrong value,
// which Berlekamp-Welch is designed to tolerate). Grounded on shamir.py's
// _berlekamp_welch/recombine(robust=True).
func RecombineRobust(shares []Share, t int, order *big.Int) (*big.Int, error) {
	sorted := make([]Share, len(shares))
	copy(sorted, shares)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	values := make([]*big.Int, len(sorted))
	for i, s := range sorted {
		if s.Value == nil {
			values[i] = big.NewInt(0)
		} else {
			values[i] = new(big.Int).Mod(s.Value, order)
		}
	}

	for th := t; th >= 0; th-- {
		secret, ok, err := berlekampWelchAt(sorted, values, th, order)
		if err != nil {
			return nil, err
		}
		if ok {
			return secret, nil
		}
	}
	return nil, ErrMatrixSingular
}

// berlekampWelchAt attempts Berlekamp-Welch decoding assuming th errors.
// Returns ok=false (not an error) when the equation system is singular at
// this tolerance, signaling the caller to retry at th-1.
func berlekampWelchAt(shares []Share, values []*big.Int, th int, order *big.Int) (*big.Int, bool, error) {
	n := len(shares)

	// Row i: [x^0 .. x^(n-th-1) | -s_i*x^0 .. -s_i*x^(th-1)], solution s_i*x^th.
	matrix := make([][]*big.Int, n)
	rhs := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		x := big.NewInt(int64(shares[i].Index))
		si := values[i]
		row := make([]*big.Int, n)
		xp := big.NewInt(1)
		for j := 0; j < n-th; j++ {
			row[j] = new(big.Int).Set(xp)
			xp = new(big.Int).Mod(new(big.Int).Mul(xp, x), order)
		}
		xp = big.NewInt(1)
		for j := 0; j < th; j++ {
			term := new(big.Int).Mul(si, xp)
			term.Neg(term)
			term.Mod(term, order)
			row[n-th+j] = term
			xp = new(big.Int).Mod(new(big.Int).Mul(xp, x), order)
		}
		matrix[i] = row
		rhsVal := new(big.Int).Mul(si, xp)
		rhsVal.Mod(rhsVal, order)
		rhs[i] = rhsVal
	}

	solution, ok := solveLinearSystem(matrix, rhs, order)
	if !ok {
		return nil, false, nil
	}

	// solution splits into Q (degree n-th-1, n-th coefficients) and the
	// non-leading coefficients of E (th coefficients; E is monic degree th).
	q := solution[:n-th]
	e := append(append([]*big.Int{}, solution[n-th:]...), big.NewInt(1))

	quotient, remainder, err := dividePoly(q, e, order)
	if err != nil {
		return nil, false, nil
	}
	for _, r := range remainder {
		if r.Sign() != 0 {
			return nil, false, nil
		}
	}
	if len(quotient) == 0 {
		return big.NewInt(0), true, nil
	}
	return new(big.Int).Mod(quotient[0], order), true, nil
}

// solveLinearSystem solves A x = b over Z_order via Gaussian elimination
// with partial pivoting, returning ok=false if A is singular.
func solveLinearSystem(a [][]*big.Int, b []*big.Int, order *big.Int) ([]*big.Int, bool) {
	n := len(a)
	// Augmented matrix, deep-copied so we don't mutate caller's rows.
	aug := make([][]*big.Int, n)
	for i := range a {
		row := make([]*big.Int, n+1)
		for j := 0; j < n; j++ {
			row[j] = new(big.Int).Mod(a[i][j], order)
		}
		row[n] = new(big.Int).Mod(b[i], order)
		aug[i] = row
	}

	for i := 0; i < n; i++ {
		pivot := -1
		for k := i; k < n; k++ {
			if aug[k][i].Sign() != 0 {
				pivot = k
				break
			}
		}
		if pivot == -1 {
			return nil, false
		}
		aug[i], aug[pivot] = aug[pivot], aug[i]

		inv := new(big.Int).ModInverse(aug[i][i], order)
		for j := 0; j <= n; j++ {
			aug[i][j] = new(big.Int).Mod(new(big.Int).Mul(aug[i][j], inv), order)
		}
		for k := 0; k < n; k++ {
			if k == i {
				continue
			}
			factor := aug[k][i]
			if factor.Sign() == 0 {
				continue
			}
			for j := 0; j <= n; j++ {
				term := new(big.Int).Mul(factor, aug[i][j])
				aug[k][j] = new(big.Int).Mod(new(big.Int).Sub(aug[k][j], term), order)
			}
		}
	}

	x := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		x[i] = aug[i][n]
	}
	return x, true
}

// dividePoly divides polynomial q by e (both given lowest-degree-first,
// constant term first, as Berlekamp-Welch's split produces), returning
// (quotient, remainder) in the same lowest-degree-first order.
func dividePoly(q, e []*big.Int, order *big.Int) ([]*big.Int, []*big.Int, error) {
	// Reverse to highest-degree-first for long division.
	qt := reversePoly(q)
	et := reversePoly(e)
	qt = trimLeadingZeros(qt, order)

	if len(et) == 0 || et[0].Sign() == 0 {
		return nil, nil, errors.New("field: zero leading coefficient in divisor")
	}

	var quotient []*big.Int
	for len(qt) >= len(et) {
		lead := new(big.Int).Mod(qt[0], order)
		if lead.Sign() == 0 {
			quotient = append(quotient, big.NewInt(0))
			qt = qt[1:]
			continue
		}
		eInv := new(big.Int).ModInverse(et[0], order)
		c := new(big.Int).Mod(new(big.Int).Mul(lead, eInv), order)
		for i := 0; i < len(et); i++ {
			term := new(big.Int).Mul(c, et[i])
			qt[i] = new(big.Int).Mod(new(big.Int).Sub(qt[i], term), order)
		}
		if qt[0].Sign() != 0 {
			return nil, nil, errors.New("field: error in polynomial division")
		}
		quotient = append(quotient, c)
		qt = qt[1:]
	}

	remainder := trimLeadingZeros(qt, order)
	return reversePoly(quotient), reversePoly(remainder), nil
}

func reversePoly(p []*big.Int) []*big.Int {
	out := make([]*big.Int, len(p))
	for i, v := range p {
		out[len(p)-1-i] = v
	}
	return out
}

func trimLeadingZeros(p []*big.Int, order *big.Int) []*big.Int {
	i := 0
	for i < len(p)-1 && new(big.Int).Mod(p[i], order).Sign() == 0 {
		i++
	}
	return p[i:]
}
