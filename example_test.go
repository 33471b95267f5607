package hotswap_test

import (
	"fmt"

	"github.com/kmetzger/hotswap"
)

//go:noinline
func price(qty int) int {
	return qty * 100
}

func ExampleEngine_InterceptFunc() {
	e := hotswap.New()
	defer e.Close()

	hook, err := e.InterceptFunc(price, hotswap.Funcs{
		AfterFunc: func(_ string, _ any, _ []any, results []any) []any {
			results[0] = results[0].(int) / 2
			return results
		},
	})
	if err != nil {
		panic(err)
	}
	defer hook.Remove()

	fmt.Println(price(3))
	// Output: 150
}
