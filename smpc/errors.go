package smpc

import "errors"

var (
	errNoPublicValue  = errors.New("smpc: this dkg run is pedersen-hidden and has no public value")
	errMalformedShare = errors.New("smpc: malformed share payload")
	errTooFewShares   = errors.New("smpc: fewer shares delivered than the threshold requires")
)
