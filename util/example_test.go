package util

import "fmt"

func ExampleLinspace() {
	fmt.Println(Linspace(-6, 6, 5))
	// Output: [-6 -3 0 3 6]
}

func ExampleUniqueString() {
	fmt.Println(UniqueString([]string{"/trace", "/run", "/trace"}))
	// Output: [/trace /run]
}
