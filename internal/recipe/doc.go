// Package recipe reads build recipes.
//
// A recipe is a YAML document listing stages. Each stage starts from an
// image and runs its steps in order; exactly one stage is not transient and
// becomes the output image. Steps either perform an operation (run a shell
// command or copy files) or set modifiers (shell, working directory,
// environment) that apply to the operations after them. A step that carries
// both an operation and modifiers applies the modifiers to that operation
// only. Steps may be grouped under a platform, in which case the group runs
// only when building for that platform.
//
// Example recipe:
//
//	entrypoint: ["/usr/local/bin/app"]
//	stages:
//	  - name: build
//	    from: golang:1.25
//	    transient: true
//	    steps:
//	      - workdir: /src
//	      - copy: . /src
//	      - run: go build -o /out/app .
//	        env:
//	          CGO_ENABLED: "0"
//	  - from: alpine:latest
//	    steps:
//	      - copy: build:/out/app /usr/local/bin/app
//	      - platform: linux/arm64
//	        steps:
//	          - run: echo arm64 > /etc/flavor
package recipe
