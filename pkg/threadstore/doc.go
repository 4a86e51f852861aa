// Package threadstore provides thread-local buffers for code running on
// host-managed threads.
//
// A Slot is declared once, typically as a package-level variable. Each thread
// that calls Get receives its own zero-filled buffer, allocated on first use
// and returned unchanged on every later call from the same thread. When the
// thread exits the buffer is handed to the slot's cleanup strategy, which
// releases it to the allocator by default.
//
//	var scratch = threadstore.NewSlot("scratch")
//
//	func format(th *threadstore.Thread, v int) (string, error) {
//		buf, err := scratch.Get(th, 64)
//		if err != nil {
//			return "", err
//		}
//		return string(strconv.AppendInt(buf[:0], int64(v), 10)), nil
//	}
//
// Threads are started by a Host, which pins each body to an OS thread and runs
// the storage destructors once the body returns:
//
//	host := threadstore.DefaultHost()
//	host.Go("formatter", func(th *threadstore.Thread) { _, _ = format(th, 42) })
//	host.Wait()
//
// Building with the threadstoredebug tag records every live buffer, with the
// call site that allocated it, in the process-wide tracker.
package threadstore
