package docstore

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// single blob form of a package, for export and import
//
//	message PackageBlob { uint64 version = 1; Node root = 2; }
//	message Node { bool dir = 1; bytes contents = 2; repeated Child children = 3; }
//	message Child { string name = 1; Node node = 2; }

const PackageBlobVersion = 1

const (
	packageBlobFieldVersion protowire.Number = 1
	packageBlobFieldRoot    protowire.Number = 2

	nodeFieldDir      protowire.Number = 1
	nodeFieldContents protowire.Number = 2
	nodeFieldChild    protowire.Number = 3

	childFieldName protowire.Number = 1
	childFieldNode protowire.Number = 2
)

func EncodePackage(pkg *Package) []byte {
	var b []byte
	b = appendWireVarint(b, packageBlobFieldVersion, PackageBlobVersion)
	b = appendWireBytes(b, packageBlobFieldRoot, encodeFileTree(pkg.root))
	return b
}

func encodeFileTree(tree *FileTree) []byte {
	var b []byte
	if tree.IsDir() {
		b = appendWireVarint(b, nodeFieldDir, 1)
		// children in name order so equal trees encode equally
		for _, name := range tree.Names() {
			child, _ := tree.Child(name)
			var c []byte
			c = appendWireString(c, childFieldName, name)
			c = appendWireBytes(c, childFieldNode, encodeFileTree(child))
			b = appendWireBytes(b, nodeFieldChild, c)
		}
	} else {
		contents, _ := tree.Contents()
		b = appendWireBytes(b, nodeFieldContents, contents)
	}
	return b
}

// DecodePackage reads a package blob. The layout is not validated; use `ParsePackage`.
func DecodePackage(blob []byte) (*Package, error) {
	version := uint64(0)
	var root *FileTree
	err := readWireFields(blob, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case packageBlobFieldVersion:
			v, n, err := consumeWireVarint(num, typ, b)
			version = v
			return n, err
		case packageBlobFieldRoot:
			v, n, err := consumeWireBytes(num, typ, b)
			if err == nil && 0 <= n {
				root, err = decodeFileTree(v)
			}
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, &MalformedPackageError{Reason: "bad package blob", Err: err}
	}
	if version != PackageBlobVersion {
		return nil, &MalformedPackageError{Reason: "bad package blob", Err: fmt.Errorf("unsupported version %d", version)}
	}
	if root == nil {
		return nil, &MalformedPackageError{Reason: "bad package blob", Err: errors.New("missing root")}
	}
	return NewPackage(root), nil
}

func decodeFileTree(encoded []byte) (*FileTree, error) {
	isDir := false
	var contents []byte
	children := map[string]*FileTree{}
	err := readWireFields(encoded, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeFieldDir:
			v, n, err := consumeWireVarint(num, typ, b)
			isDir = v != 0
			return n, err
		case nodeFieldContents:
			v, n, err := consumeWireBytes(num, typ, b)
			contents = v
			return n, err
		case nodeFieldChild:
			v, n, err := consumeWireBytes(num, typ, b)
			if err == nil && 0 <= n {
				var name string
				var child *FileTree
				name, child, err = decodeChild(v)
				if err == nil {
					children[name] = child
				}
			}
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	if isDir {
		return NewDir(children), nil
	}
	if 0 < len(children) {
		return nil, errors.New("file node has children")
	}
	if contents == nil {
		contents = []byte{}
	}
	return NewFile(contents), nil
}

func decodeChild(encoded []byte) (string, *FileTree, error) {
	var name string
	var node *FileTree
	err := readWireFields(encoded, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case childFieldName:
			v, n, err := consumeWireBytes(num, typ, b)
			name = string(v)
			return n, err
		case childFieldNode:
			v, n, err := consumeWireBytes(num, typ, b)
			if err == nil && 0 <= n {
				node, err = decodeFileTree(v)
			}
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return "", nil, err
	}
	if name == "" || node == nil {
		return "", nil, errors.New("child missing name or node")
	}
	return name, node, nil
}
