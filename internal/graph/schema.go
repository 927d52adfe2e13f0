package graph

import (
	"errors"
	"fmt"

	"go-modelvault/internal/models"
)

// FieldKind describes how a widget value is interpreted.
type FieldKind int

const (
	KindModel FieldKind = iota
	KindString
	KindInt
	KindFloat
)

// FieldSpec is one widget of a node. Its position in NodeSchema.Fields is its widget index.
type FieldSpec struct {
	Name      string
	Kind      FieldKind
	ModelType string // only for KindModel
}

// NodeSchema declares the widget layout of one node type.
type NodeSchema struct {
	NodeType string
	Fields   []FieldSpec
}

var ErrInvalidSchema = errors.New("invalid node schema")

func model(name, modelType string) FieldSpec { return FieldSpec{Name: name, Kind: KindModel, ModelType: modelType} }
func str(name string) FieldSpec              { return FieldSpec{Name: name, Kind: KindString} }
func num(name string) FieldSpec              { return FieldSpec{Name: name, Kind: KindFloat} }
func integer(name string) FieldSpec          { return FieldSpec{Name: name, Kind: KindInt} }

// LoaderSchemas covers the model loader nodes shipped with ComfyUI and the common extension packs.
var LoaderSchemas = []NodeSchema{
	{"CheckpointLoaderSimple", []FieldSpec{model("ckpt_name", models.TypeCheckpoint)}},
	{"CheckpointLoader", []FieldSpec{str("config_name"), model("ckpt_name", models.TypeCheckpoint)}},
	{"unCLIPCheckpointLoader", []FieldSpec{model("ckpt_name", models.TypeCheckpoint)}},
	{"ImageOnlyCheckpointLoader", []FieldSpec{model("ckpt_name", models.TypeCheckpoint)}},
	{"LoraLoader", []FieldSpec{model("lora_name", models.TypeLora), num("strength_model"), num("strength_clip")}},
	{"LoraLoaderModelOnly", []FieldSpec{model("lora_name", models.TypeLora), num("strength_model")}},
	{"VAELoader", []FieldSpec{model("vae_name", models.TypeVAE)}},
	{"ControlNetLoader", []FieldSpec{model("control_net_name", models.TypeControlNet)}},
	{"DiffControlNetLoader", []FieldSpec{model("control_net_name", models.TypeControlNet)}},
	{"CLIPLoader", []FieldSpec{model("clip_name", models.TypeCLIP), str("type"), str("device")}},
	{"DualCLIPLoader", []FieldSpec{model("clip_name1", models.TypeCLIP), model("clip_name2", models.TypeCLIP), str("type")}},
	{"TripleCLIPLoader", []FieldSpec{model("clip_name1", models.TypeCLIP), model("clip_name2", models.TypeCLIP), model("clip_name3", models.TypeCLIP)}},
	{"CLIPVisionLoader", []FieldSpec{model("clip_name", models.TypeCLIPVision)}},
	{"UpscaleModelLoader", []FieldSpec{model("model_name", models.TypeUpscaler)}},
	{"UNETLoader", []FieldSpec{model("unet_name", models.TypeUNet), str("weight_dtype")}},
	{"UnetLoaderGGUF", []FieldSpec{model("unet_name", models.TypeUNet)}},
	{"IPAdapterModelLoader", []FieldSpec{model("ipadapter_file", models.TypeIPAdapter)}},
	{"StyleModelLoader", []FieldSpec{model("style_model_name", models.TypeStyleModel)}},
	{"GLIGENLoader", []FieldSpec{model("gligen_name", models.TypeGLIGEN)}},
	{"HypernetworkLoader", []FieldSpec{model("hypernetwork_name", models.TypeHypernetwork), num("strength")}},
	{"PhotoMakerLoader", []FieldSpec{model("photomaker_model_name", models.TypePhotoMaker)}},
}

// samplerSchemas and latentSchemas feed metadata extraction only.
var samplerSchemas = []NodeSchema{
	{"KSampler", []FieldSpec{
		integer("seed"), str("control_after_generate"), integer("steps"), num("cfg"),
		str("sampler_name"), str("scheduler"), num("denoise"),
	}},
	{"KSamplerAdvanced", []FieldSpec{
		str("add_noise"), integer("noise_seed"), str("control_after_generate"), integer("steps"), num("cfg"),
		str("sampler_name"), str("scheduler"), integer("start_at_step"), integer("end_at_step"), str("return_with_leftover_noise"),
	}},
}

var latentSchemas = []NodeSchema{
	{"EmptyLatentImage", []FieldSpec{integer("width"), integer("height"), integer("batch_size")}},
	{"EmptySD3LatentImage", []FieldSpec{integer("width"), integer("height"), integer("batch_size")}},
}

var knownModelTypes = map[string]bool{
	models.TypeCheckpoint: true, models.TypeLora: true, models.TypeVAE: true, models.TypeControlNet: true,
	models.TypeUpscaler: true, models.TypeEmbedding: true, models.TypeCLIP: true, models.TypeCLIPVision: true,
	models.TypeUNet: true, models.TypeIPAdapter: true, models.TypeHypernetwork: true, models.TypeStyleModel: true,
	models.TypeGLIGEN: true, models.TypePhotoMaker: true,
}

// ValidateSchemas checks a loader schema table: every entry names a type once,
// has unique field names and at least one model field of a known model type.
func ValidateSchemas(schemas []NodeSchema) error {
	return validateSchemaSet(schemas, true)
}

func validateSchemaSet(schemas []NodeSchema, requireModel bool) error {
	seenTypes := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		if s.NodeType == "" {
			return fmt.Errorf("%w: empty node type", ErrInvalidSchema)
		}
		if seenTypes[s.NodeType] {
			return fmt.Errorf("%w: %s declared twice", ErrInvalidSchema, s.NodeType)
		}
		seenTypes[s.NodeType] = true
		if len(s.Fields) == 0 {
			return fmt.Errorf("%w: %s has no fields", ErrInvalidSchema, s.NodeType)
		}

		names := make(map[string]bool, len(s.Fields))
		modelFields := 0
		for _, f := range s.Fields {
			if f.Name == "" {
				return fmt.Errorf("%w: %s has an unnamed field", ErrInvalidSchema, s.NodeType)
			}
			if names[f.Name] {
				return fmt.Errorf("%w: %s field %s declared twice", ErrInvalidSchema, s.NodeType, f.Name)
			}
			names[f.Name] = true
			if f.Kind == KindModel {
				if !knownModelTypes[f.ModelType] {
					return fmt.Errorf("%w: %s field %s has unknown model type %q", ErrInvalidSchema, s.NodeType, f.Name, f.ModelType)
				}
				modelFields++
			}
		}
		if requireModel && modelFields == 0 {
			return fmt.Errorf("%w: %s has no model field", ErrInvalidSchema, s.NodeType)
		}
	}
	return nil
}
