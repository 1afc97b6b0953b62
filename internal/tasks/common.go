package tasks

import "github.com/simonsobs/librarian/internal/cmn"

func errUnregisteredStore(name string) error {
	return cmn.New(cmn.KindIO, "store %q is not registered with this process", name)
}
