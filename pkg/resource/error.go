package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTicket indicates an operation referenced a Ticket that the
	// ResourceMonitor has never issued, or has already fully released.
	ErrInvalidTicket = errors.New("ticket is invalid or unknown to this resource monitor")

	// ErrStagingInsufficient indicates a commit (Allocate) was attempted for
	// more of some resource Kind than the ticket currently has staged.
	ErrStagingInsufficient = errors.New("requested allocation exceeds the ticket's staged reservation")

	// ErrContextNotStaged indicates an OperationScope was requested from a
	// ResourceContext whose InitializeStaging call never succeeded.
	ErrContextNotStaged = errors.New("resource context has no staged reservation")
)

// InsufficientResourcesError reports that PreAllocate could not reserve the
// requested Map because one or more keys were short. AvailableResources and
// RequestedResources let a caller render a precise diagnostic, mirroring
// common/scheduling/resource/manager.go's InsufficientResourcesError.
type InsufficientResourcesError struct {
	AvailableResources Map
	RequestedResources Map
	Missing            Map
}

func (e *InsufficientResourcesError) Error() string {
	return e.String()
}

func (e *InsufficientResourcesError) Is(other error) bool {
	var target *InsufficientResourcesError
	return errors.As(other, &target)
}

func (e *InsufficientResourcesError) String() string {
	return fmt.Sprintf("InsufficientResourcesError[Available=%s, Requested=%s, Missing=%s]",
		e.AvailableResources.String(), e.RequestedResources.String(), e.Missing.String())
}
