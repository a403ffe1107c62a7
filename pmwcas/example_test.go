package pmwcas_test

import (
	"errors"
	"fmt"

	"github.com/kolkov/pmwcas/pmwcas"
)

// Example moves one unit between two accounts atomically.
func Example() {
	region, err := pmwcas.NewVolatileRegion(1<<20, pmwcas.RegionOptions{})
	if err != nil {
		panic(err)
	}
	defer region.Close()

	accounts, err := pmwcas.Array(region, 2)
	if err != nil {
		panic(err)
	}
	accounts[0].Store(10)

	pool, _, err := pmwcas.Open(region, pmwcas.Options{Capacity: 8, ThreadCount: 2})
	if err != nil {
		panic(err)
	}

	d, err := pool.AllocateDescriptor()
	if err != nil {
		panic(err)
	}
	_ = d.AddEntry(&accounts[0], 10, 9)
	_ = d.AddEntry(&accounts[1], 0, 1)
	ok, err := d.MwCAS()
	if err != nil {
		panic(err)
	}

	a, _ := pool.Read(&accounts[0])
	b, _ := pool.Read(&accounts[1])
	fmt.Println(ok, a, b)

	// Output:
	// true 9 1
}

// Example_conflict shows a stale expectation failing without side effects.
func Example_conflict() {
	region, err := pmwcas.NewVolatileRegion(1<<20, pmwcas.RegionOptions{})
	if err != nil {
		panic(err)
	}
	defer region.Close()

	words, _ := pmwcas.Array(region, 2)
	pool, _, _ := pmwcas.Open(region, pmwcas.Options{Capacity: 8, ThreadCount: 2})

	d, _ := pool.AllocateDescriptor()
	_ = d.AddEntry(&words[0], 0, 5)
	_ = d.AddEntry(&words[1], 7, 5) // words[1] holds 0
	ok, err := d.MwCAS()

	a, _ := pool.Read(&words[0])
	fmt.Println(ok, err, a)

	// Output:
	// false <nil> 0
}

// ExampleGetInfo prints library information.
func ExampleGetInfo() {
	info := pmwcas.GetInfo()
	fmt.Println(info.Version, info.FormatVersion, info.FormatMajor)

	// Output:
	// 0.1.0 v1.0.0 v1
}

// ExampleCheckFormat checks region format versions against this build.
func ExampleCheckFormat() {
	fmt.Println(pmwcas.CheckFormat("v1.3.0") == nil)
	fmt.Println(errors.Is(pmwcas.CheckFormat("v2.0.0"), pmwcas.ErrIncompatibleFormat))
	fmt.Println(pmwcas.CheckFormat("1.0") == nil)

	// Output:
	// true
	// true
	// false
}

// ExamplePool_Protect runs a read-modify-write increment with a single
// participant slot.
func ExamplePool_Protect() {
	region, err := pmwcas.NewVolatileRegion(1<<20, pmwcas.RegionOptions{})
	if err != nil {
		panic(err)
	}
	defer region.Close()

	words, _ := pmwcas.Array(region, 1)
	pool, _, _ := pmwcas.Open(region, pmwcas.Options{Capacity: 8, ThreadCount: 1})

	g, err := pool.Protect()
	if err != nil {
		panic(err)
	}
	for range 3 {
		d, _ := pool.AllocateDescriptorGuarded(g)
		v, _ := d.Read(&words[0])
		_ = d.AddEntry(&words[0], v, v+1)
		_, _ = d.MwCAS()
	}
	v, _ := pool.ReadGuarded(g, &words[0])
	g.Release()
	fmt.Println(v)

	// Output:
	// 3
}
