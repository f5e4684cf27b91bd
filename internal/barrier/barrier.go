// Package barrier provides the memory fences that order host accesses to device
// memory against the index publishes that hand that memory to the other side.
package barrier
