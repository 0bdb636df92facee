// Package result turns raw sandbox outcomes into caller-facing results.
//
// Every request ends in exactly one Result whose Kind is drawn from a closed
// set. Classify is pure; it looks only at the Outcome it is given.
package result
