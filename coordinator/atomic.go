package coordinator

import "sync/atomic"

func atomicStore(addr *int32, val int32) { atomic.StoreInt32(addr, val) }
func atomicLoad(addr *int32) int32       { return atomic.LoadInt32(addr) }
