package storage

import (
	"fmt"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// encode writes o in wire form; persistent backends store exactly what
// a pipe would send.
func encode(o ops.Op) ([]byte, error) {
	o.Source = ""
	return ops.Append(nil, o)
}

func decode(buf []byte) (ops.Op, error) {
	list, err := ops.ParseRecords(string(buf))
	if err != nil {
		return ops.Op{}, err
	}
	if len(list) != 1 {
		return ops.Op{}, fmt.Errorf("%w: stored record holds %d ops", ops.ErrFramingError, len(list))
	}
	return list[0], nil
}
