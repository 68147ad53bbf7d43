package tb

import "fmt"

// checkInvariants verifies the first three testable properties of
// spec.md §8 against the live pool. Property 4 (code-page protection) is
// verified indirectly: PageWrite is cleared exactly when a page carrying
// a TB was protected (cache.go's allocPage / protect.go's ProtectPage
// always clear it together with the real mprotect call), so checking the
// guest-visible bit is equivalent to checking host protection state
// without reaching into OS-specific page-table introspection.
// checkPageConsistency checks that bit for every page a TB spans inside
// the guest memory window.
func (c *Cache) checkInvariants() error {
	for _, tb := range c.store.pool {
		if tb.removed {
			continue
		}
		if err := c.checkHashConsistency(tb); err != nil {
			return err
		}
		if err := c.checkPageConsistency(tb); err != nil {
			return err
		}
		if err := c.checkChainSymmetry(tb); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) checkHashConsistency(tb *TB) error {
	found, ok := c.hash.Lookup(tb.PC, tb.CSBase, tb.Flags)
	if !ok || found != tb {
		return fmt.Errorf("tb: hash consistency violated for pc=0x%x", tb.PC)
	}
	return nil
}

func (c *Cache) checkPageConsistency(tb *TB) error {
	for i := 0; i < tb.numPages; i++ {
		pageIndex := tb.pageIndex[i]
		found := false
		for cur := c.pages.firstTB(pageIndex); cur != nil; cur = cur.pageNext[cur.slotForPage(pageIndex)] {
			if cur == tb {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("tb: pc=0x%x not reachable from its own page list (page %d)", tb.PC, pageIndex)
		}
		addr := pageIndex << pageBits
		if flags := c.pages.GetFlags(addr); c.prot.mem.Contains(addr) && flags&PageWriteOrig != 0 && flags&PageWrite != 0 {
			return fmt.Errorf("tb: page %d carries pc=0x%x but is still guest-writable", pageIndex, tb.PC)
		}
	}
	return nil
}

func (c *Cache) checkChainSymmetry(tb *TB) error {
	for n := 0; n < 2; n++ {
		b := tb.outNext[n]
		if b == nil {
			continue
		}
		count := 0
		if b.inbound != nil {
			edge := b.inbound
			for {
				if edge.owner == tb && edge.slot == n {
					count++
				}
				edge = edge.next
				if edge == b.inbound {
					break
				}
			}
		}
		if count != 1 {
			return fmt.Errorf("tb: chain symmetry violated for pc=0x%x slot %d (found %d inbound tags, want 1)", tb.PC, n, count)
		}
	}
	return nil
}
